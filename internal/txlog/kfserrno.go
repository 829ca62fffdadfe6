package txlog

import "syscall"

// Platform-independent error codes recorded in the log. Request statuses are
// negated errno values; before they enter the committed error checksum they
// are translated to these stable numbers so that replicas on different
// platforms accumulate identical checksums.
const (
	kfsEPERM       = 1
	kfsENOENT      = 2
	kfsEIO         = 5
	kfsENXIO       = 6
	kfsEAGAIN      = 11
	kfsENOMEM      = 12
	kfsEACCES      = 13
	kfsEFAULT      = 14
	kfsEBUSY       = 16
	kfsEEXIST      = 17
	kfsENOTDIR     = 20
	kfsEISDIR      = 21
	kfsEINVAL      = 22
	kfsEFBIG       = 27
	kfsENOSPC      = 28
	kfsEROFS       = 30
	kfsENAMETOOLONG = 36
	kfsENOTEMPTY   = 39
	kfsEDQUOT      = 122
	kfsELOGFAILED  = 1000
)

// ELogFailed is the status assigned to requests whose log append failed.
const ELogFailed = kfsELOGFAILED

func sysToKfsErrno(status int) int {
	if status >= 0 {
		return status
	}
	switch syscall.Errno(-status) {
	case syscall.EPERM:
		return -kfsEPERM
	case syscall.ENOENT:
		return -kfsENOENT
	case syscall.EIO:
		return -kfsEIO
	case syscall.ENXIO:
		return -kfsENXIO
	case syscall.EAGAIN:
		return -kfsEAGAIN
	case syscall.ENOMEM:
		return -kfsENOMEM
	case syscall.EACCES:
		return -kfsEACCES
	case syscall.EFAULT:
		return -kfsEFAULT
	case syscall.EBUSY:
		return -kfsEBUSY
	case syscall.EEXIST:
		return -kfsEEXIST
	case syscall.ENOTDIR:
		return -kfsENOTDIR
	case syscall.EISDIR:
		return -kfsEISDIR
	case syscall.EINVAL:
		return -kfsEINVAL
	case syscall.EFBIG:
		return -kfsEFBIG
	case syscall.ENOSPC:
		return -kfsENOSPC
	case syscall.EROFS:
		return -kfsEROFS
	case syscall.ENAMETOOLONG:
		return -kfsENAMETOOLONG
	case syscall.ENOTEMPTY:
		return -kfsENOTEMPTY
	case syscall.EDQUOT:
		return -kfsEDQUOT
	}
	if -status == kfsELOGFAILED {
		return -kfsELOGFAILED
	}
	return status
}
