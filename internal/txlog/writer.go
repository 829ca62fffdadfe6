// Package txlog implements the metaserver transaction log writer: the
// durability and replication pipeline turning a stream of metadata-mutating
// requests into a checksummed rotating on-disk journal and an identical
// stream of blocks shipped to replica followers.
//
// Two goroutines interact with a Writer. The producer calls Enqueue,
// Committed, ScheduleFlush and Shutdown, and receives completed requests
// through the timeout handler registered on its run loop. The worker owns
// all serializer state (file, sink, checksums, sequence counters) and runs
// its own dispatch loop; the two sides meet only at the mutex-protected in
// and out queues.
package txlog

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"pkg.gfire.dev/metaserver/internal/checksum"
	"pkg.gfire.dev/metaserver/internal/mdsink"
	"pkg.gfire.dev/metaserver/internal/properties"
	"pkg.gfire.dev/metaserver/internal/runloop"
	"pkg.gfire.dev/metaserver/internal/transmit"
	"pkg.gfire.dev/metaserver/internal/vfs"
)

const (
	logPrefix  = "log"
	logVersion = 1
	// isoTimeFormat renders the UTC timestamps recorded in log headers and
	// trailers with microsecond precision.
	isoTimeFormat = "2006-01-02T15:04:05.000000Z"
)

var (
	// ErrAlreadyRunning is returned by Start when the writer is running.
	ErrAlreadyRunning = errors.New("txlog: writer already running")
	// ErrInvalidStartConfig is returned by Start on parameter violations.
	ErrInvalidStartConfig = errors.New("txlog: invalid start configuration")

	errSimulatedFailure = errors.New("txlog: simulated log write failure")
)

type writeState int

const (
	writeStateNone writeState = iota
	writeStateChecksum
)

// StartConfig carries the Writer startup inputs.
type StartConfig struct {
	// Loop is the producer-side run loop; the writer registers a timeout
	// handler on it to deliver completed requests. May be nil in tests
	// that call Timeout directly.
	Loop        *runloop.Loop
	Transmitter transmit.Transmitter
	FS          vfs.VFS
	Logger      *slog.Logger

	LogNum    int64
	LogSeq    int64
	Committed CommitState

	// AppendMdState, when non-nil, selects append mode: the writer resumes
	// the existing segment LogNum with this digest state.
	AppendMdState      *mdsink.MdState
	AppendLastBlockSeq int64
	AppendHexFlag      bool

	ParamsPrefix string
	Params       *properties.Properties

	// Rand drives failure simulation; nil uses a time-seeded source.
	Rand *rand.Rand
	// Now is the clock used for rotation and timestamps; nil uses time.Now.
	Now func() time.Time
}

// Writer is the transaction log writer. Create with New, bring up with
// Start, tear down with Shutdown.
type Writer struct {
	logger      *slog.Logger
	fs          vfs.VFS
	loop        *runloop.Loop
	workerLoop  *runloop.Loop
	transmitter transmit.Transmitter
	now         func() time.Time
	rng         *rand.Rand
	wg          sync.WaitGroup

	mu               sync.Mutex
	inQueue          queue
	outQueue         queue
	pendingCommitted CommitState
	stopFlag         bool

	// Producer-side state.
	pendingQueue  queue
	pendingCount  int
	committed     CommitState
	maxDoneLogSeq int64
	nextSeq       int64
	runningFlag   bool

	// Worker-side serializer state.
	sink              *mdsink.Sink
	journal           *fileJournal
	lastLogSeq        int64
	nextLogSeq        int64
	nextBlockSeq      int64
	blockChecksum     uint32
	nextBlockChecksum uint32
	chkPos            int
	writeState        writeState
	logNum            int64
	curLogStartSeq    int64
	curLogStartTime   time.Time
	inFlightCommitted CommitState
	pendingAckQueue   queue
	wokenFlag         bool
	err               error

	transmitCommitted atomic.Int64
	transmitterUp     atomic.Bool

	// Parameters.
	omitDefaults       bool
	maxBlockSize       int64
	logDir             string
	lastLogName        string
	rotateInterval     time.Duration
	panicOnIoError     bool
	syncFlag           bool
	failureSimInterval int64
}

// New returns a writer ready for Start.
func New() *Writer {
	return &Writer{maxDoneLogSeq: -1}
}

// Start validates the configuration, opens or resumes the log, starts the
// worker goroutine and registers the delivery timeout handler. It returns
// the path of the current log segment.
func (w *Writer) Start(cfg StartConfig) (string, error) {
	if w.runningFlag {
		return "", ErrAlreadyRunning
	}
	if cfg.LogNum < 0 || cfg.LogSeq < 0 || cfg.Committed.Seq < 0 {
		return "", fmt.Errorf("%w: negative sequence", ErrInvalidStartConfig)
	}
	if cfg.AppendMdState != nil && cfg.LogSeq < cfg.Committed.Seq {
		return "", fmt.Errorf("%w: append start below committed sequence",
			ErrInvalidStartConfig)
	}
	if cfg.Transmitter == nil {
		return "", fmt.Errorf("%w: nil transmitter", ErrInvalidStartConfig)
	}

	w.logger = cfg.Logger
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "txlog")
	w.fs = cfg.FS
	if w.fs == nil {
		w.fs = vfs.NewOSVFS()
	}
	w.now = cfg.Now
	if w.now == nil {
		w.now = time.Now
	}
	w.rng = cfg.Rand
	if w.rng == nil {
		w.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	w.loop = cfg.Loop
	w.transmitter = cfg.Transmitter

	w.omitDefaults = true
	w.maxBlockSize = 256
	w.logDir = "./kfslog"
	w.lastLogName = "last"
	w.rotateInterval = 600 * time.Second
	w.panicOnIoError = false
	w.syncFlag = false
	w.failureSimInterval = 0
	if err := w.setParameters(cfg.ParamsPrefix, cfg.Params); err != nil {
		return "", fmt.Errorf("txlog: failed to apply parameters: %w", err)
	}
	if err := w.fs.MkdirAll(w.logDir); err != nil {
		return "", fmt.Errorf("txlog: failed to create log directory: %w", err)
	}

	w.journal = newFileJournal(w.fs)
	w.journal.syncFlag = w.syncFlag
	w.sink = mdsink.New(w.journal)
	w.nextBlockChecksum = checksum.Update(checksum.Null, []byte{'\n'})

	w.committed = cfg.Committed
	w.pendingCommitted = cfg.Committed
	w.inFlightCommitted = cfg.Committed
	w.transmitCommitted.Store(cfg.Committed.Seq)
	w.transmitterUp.Store(w.transmitter.IsUp())
	w.maxDoneLogSeq = cfg.LogSeq
	w.logNum = cfg.LogNum
	w.nextSeq = 0
	w.stopFlag = false
	w.err = nil

	if cfg.AppendMdState == nil {
		w.newLog(cfg.LogSeq)
		if w.err != nil {
			return "", fmt.Errorf("txlog: failed to start new log: %w", w.err)
		}
	} else {
		name := logName(w.logDir, logPrefix, w.logNum)
		if err := w.journal.openAppend(name); err != nil {
			return "", fmt.Errorf("txlog: failed to resume log: %w", err)
		}
		if !w.sink.SetMdState(*cfg.AppendMdState) {
			w.journal.close()
			return "", fmt.Errorf("%w: empty digest state", ErrInvalidStartConfig)
		}
		if cfg.AppendHexFlag {
			w.sink.SetBase(16)
		}
		w.nextBlockSeq = cfg.AppendLastBlockSeq
		w.curLogStartSeq = cfg.LogSeq
		w.nextLogSeq = cfg.LogSeq
		w.lastLogSeq = cfg.LogSeq
		w.curLogStartTime = w.now()
		if cfg.AppendLastBlockSeq < 0 || !cfg.AppendHexFlag {
			w.startNextLog()
			if w.err != nil {
				return "", fmt.Errorf("txlog: failed to rotate resumed log: %w", w.err)
			}
		} else {
			w.startBlock(w.nextBlockChecksum)
		}
	}

	w.workerLoop = runloop.New()
	w.runningFlag = true
	if w.loop != nil {
		w.loop.RegisterTimeoutHandler(w)
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.workerLoop.MainLoop(w)
		w.closeLog()
	}()
	return w.journal.name, nil
}

// Enqueue assigns the request's enqueue sequence and links it onto the
// pending queue. It reports false when the request does not enter the log
// pipeline, either because the writer is stopped or because the request
// needs no log record and nothing is in flight ahead of it.
func (w *Writer) Enqueue(r *Request) bool {
	w.nextSeq++
	r.Seqno = w.nextSeq
	if !w.runningFlag {
		r.Logseq = -1
		r.Status = -ELogFailed
		r.StatusMsg = "log writer is not running"
		return false
	}
	if r.Op != OpWriterControl {
		notLogged := r.LogAction == LogNever ||
			(r.LogAction == LogIfOk && r.Status != 0)
		if notLogged && (w.pendingCount == 0 ||
			r.LogQueueCounter == nil || *r.LogQueueCounter == 0) {
			return false
		}
	}
	if r.LogQueueCounter != nil {
		*r.LogQueueCounter++
		if *r.LogQueueCounter <= 0 {
			panic("txlog: log queue counter overflow")
		}
	}
	r.commitPendingFlag = true
	w.pendingCount++
	if w.pendingCount <= 0 {
		panic("txlog: pending request count overflow")
	}
	w.pendingQueue.pushBack(r)
	return true
}

// Committed records the outcome of an applied request into the committed
// tuple. The external commit path must call it for every request that
// entered the pipeline, in log sequence order.
func (w *Writer) Committed(r *Request, fidSeed int64) {
	if !r.commitPendingFlag {
		return
	}
	r.commitPendingFlag = false
	if r.LogQueueCounter != nil {
		*r.LogQueueCounter--
		if *r.LogQueueCounter < 0 {
			panic("txlog: log queue counter underflow")
		}
	}
	if r.Logseq < 0 {
		return
	}
	if r.Suspended {
		panic("txlog: commit of suspended request")
	}
	if w.committed.Seq >= 0 && r.Logseq != w.committed.Seq+1 {
		panic(fmt.Sprintf("txlog: out of order commit: logseq %d committed %d",
			r.Logseq, w.committed.Seq))
	}
	status := sysToKfsErrno(r.Status)
	if status != 0 {
		w.committed.ErrChkSum += int64(status)
	}
	w.committed.Seq = r.Logseq
	w.committed.FidSeed = fidSeed
	w.committed.Status = status
}

// GetCommitted returns the committed tuple.
func (w *Writer) GetCommitted() CommitState { return w.committed }

// SetCommitted replaces the committed tuple, used during recovery before
// any request is enqueued.
func (w *Writer) SetCommitted(c CommitState) {
	w.committed = c
	w.mu.Lock()
	w.pendingCommitted = c
	w.mu.Unlock()
}

// GetCommittedLogSeq returns the committed log sequence.
func (w *Writer) GetCommittedLogSeq() int64 { return w.committed.Seq }

// ScheduleFlush hands the pending queue to the worker. Non-blocking; does
// nothing when no requests are pending.
func (w *Writer) ScheduleFlush() {
	if w.pendingQueue.empty() {
		return
	}
	w.mu.Lock()
	w.pendingCommitted = w.committed
	w.inQueue.pushBackQueue(&w.pendingQueue)
	w.mu.Unlock()
	w.workerLoop.Wakeup()
}

// Shutdown stops the worker, drains the pending-ack queue as if fully
// replicated, joins the worker goroutine and deregisters the delivery
// handler. Requests still sitting on the producer's pending queue are
// dropped; requests already handed to the worker are delivered.
func (w *Writer) Shutdown() {
	if !w.runningFlag {
		return
	}
	w.runningFlag = false
	w.mu.Lock()
	w.stopFlag = true
	w.mu.Unlock()
	w.workerLoop.Wakeup()
	w.wg.Wait()
	if w.loop != nil {
		w.loop.UnregisterTimeoutHandler(w)
	}
	w.Timeout()
}

// ChildAtFork resets the worker loop and closes the log file in a forked
// child. The child must not keep using the writer.
func (w *Writer) ChildAtFork() {
	if w.workerLoop != nil {
		w.workerLoop.ChildAtFork()
	}
	if w.journal != nil {
		w.journal.close()
	}
	w.runningFlag = false
}

// Notify implements transmit.CommitObserver: followers have acknowledged
// everything up to seq. Wakes the worker when the watermark advances so the
// pending-ack queue drains promptly.
func (w *Writer) Notify(seq int64) {
	for {
		cur := w.transmitCommitted.Load()
		if seq <= cur {
			break
		}
		if w.transmitCommitted.CompareAndSwap(cur, seq) {
			if w.workerLoop != nil {
				w.workerLoop.Wakeup()
			}
			break
		}
	}
	if w.transmitter != nil {
		w.transmitterUp.Store(w.transmitter.IsUp())
	}
}

// Timeout implements runloop.TimeoutHandler on the producer loop: it steals
// the out queue and hands every completed request to its Handle callback.
func (w *Writer) Timeout() {
	w.mu.Lock()
	done := w.outQueue.takeAll()
	w.mu.Unlock()
	for r := done.popFront(); r != nil; r = done.popFront() {
		if r.Logseq >= 0 {
			if r.Logseq <= w.maxDoneLogSeq {
				panic(fmt.Sprintf("txlog: out of order completion: logseq %d done %d",
					r.Logseq, w.maxDoneLogSeq))
			}
			w.maxDoneLogSeq = r.Logseq
		}
		w.pendingCount--
		if w.pendingCount < 0 {
			panic("txlog: pending request count underflow")
		}
		if r.Handle != nil {
			r.Handle(r)
		}
	}
}

// DispatchStart implements runloop.Dispatcher on the worker loop.
func (w *Writer) DispatchStart() {
	w.mu.Lock()
	stop := w.stopFlag
	writeQueue := w.inQueue.takeAll()
	w.inFlightCommitted = w.pendingCommitted
	w.mu.Unlock()
	w.wokenFlag = true
	if !writeQueue.empty() {
		w.write(&writeQueue)
	}
	if stop {
		w.transmitCommitted.Store(w.nextLogSeq)
		w.processPendingAckQueue(&writeQueue)
		w.workerLoop.Shutdown()
		return
	}
	w.processPendingAckQueue(&writeQueue)
}

// DispatchEnd implements runloop.Dispatcher on the worker loop.
func (w *Writer) DispatchEnd() {
	if !w.wokenFlag {
		return
	}
	w.wokenFlag = false
	var empty queue
	w.processPendingAckQueue(&empty)
}

func (w *Writer) isLogStreamGood() bool {
	return w.err == nil && w.journal.isOpen() && w.sink.Good()
}

func (w *Writer) ioError(err error) {
	w.logger.Error("transaction log io error", "error", err, "log", w.journal.name)
	if w.err == nil {
		w.err = err
	}
	if w.panicOnIoError {
		panic(fmt.Sprintf("txlog: io error: %v", err))
	}
}

func (w *Writer) simulateFailure() bool {
	return w.failureSimInterval > 0 && w.rng.Int64N(w.failureSimInterval) == 0
}

// foldChecksum extends the rolling block checksum over the part of the sink
// window written since the last fold. Bytes written while the write state is
// none advance the fold position without entering the checksum.
func (w *Writer) foldChecksum() {
	buf := w.sink.Buffered()
	if w.writeState == writeStateChecksum && w.chkPos < len(buf) {
		w.blockChecksum = checksum.Update(w.blockChecksum, buf[w.chkPos:])
	}
	w.chkPos = len(buf)
}

func (w *Writer) startBlock(seed uint32) {
	w.sink.SetSync(false)
	w.blockChecksum = seed
	w.chkPos = 0
	w.writeState = writeStateChecksum
}

// write serializes the handed-over queue batch by batch. Requests stay on
// the queue; the caller merges them into the pending-ack queue afterward.
func (w *Writer) write(q *queue) {
	cur := q.front()
	for cur != nil {
		w.sink.SetSync(false)
		if !w.isLogStreamGood() {
			w.reopenLog()
		}
		w.lastLogSeq = w.nextLogSeq
		endBlockSeq := w.nextLogSeq + w.maxBlockSize
		simFailure := w.simulateFailure()
		transmitterUp := w.transmitterUp.Load()
		writeErr := false
		var writeBlockReq *Request

		ptr := cur
		for ptr != nil {
			if ptr.Op == OpWriterControl {
				if w.control(ptr) {
					if ptr.Control.Type == ControlWriteBlock {
						writeBlockReq = ptr
					}
					break
				}
				endBlockSeq = w.lastLogSeq + w.maxBlockSize
				ptr = ptr.next
				continue
			}
			logIt := ptr.LogAction == LogAlways ||
				(ptr.LogAction == LogIfOk && ptr.Status == 0)
			if !w.isLogStreamGood() || !transmitterUp {
				if logIt {
					ptr.Logseq = -1
					ptr.Status = -ELogFailed
					ptr.StatusMsg = "transaction log write error"
				}
				ptr = ptr.next
				continue
			}
			if logIt {
				if simFailure {
					w.logger.Error("simulating transaction log write failure",
						"logseq", w.lastLogSeq)
					writeErr = true
					break
				}
				w.lastLogSeq++
				ptr.Logseq = w.lastLogSeq
				if !ptr.WriteLog(w.sink, w.omitDefaults) {
					panic("txlog: request log serialization failed")
				}
				if !w.sink.Good() {
					w.lastLogSeq--
					ptr.Logseq = -1
					ptr.Status = -ELogFailed
					ptr.StatusMsg = "transaction log write error"
				}
			}
			if endBlockSeq <= w.lastLogSeq ||
				w.sink.BufferedLen() > w.sink.BufferSize()/4*3 {
				break
			}
			ptr = ptr.next
		}
		var end *Request
		if ptr != nil {
			end = ptr.next
		}

		if w.nextLogSeq < w.lastLogSeq && !writeErr &&
			w.isLogStreamGood() && transmitterUp {
			w.flushBlock(w.lastLogSeq)
		}
		if !writeErr && w.isLogStreamGood() {
			w.nextLogSeq = w.lastLogSeq
		} else {
			if writeErr && w.err == nil {
				w.err = errSimulatedFailure
			}
			w.lastLogSeq = w.nextLogSeq
			for p := cur; p != end; p = p.next {
				if p.Op == OpWriterControl {
					continue
				}
				if p.Logseq > w.nextLogSeq ||
					p.LogAction == LogAlways ||
					(p.LogAction == LogIfOk && p.Status == 0) {
					p.Logseq = -1
					p.Status = -ELogFailed
					p.StatusMsg = "transaction log write error"
				}
			}
			w.sink.ClearBuffer()
			w.startBlock(w.nextBlockChecksum)
		}
		if writeBlockReq != nil {
			w.writeBlock(writeBlockReq)
		}
		cur = end
	}
	if !w.curLogStartTime.IsZero() &&
		w.curLogStartTime.Add(w.rotateInterval).Before(w.now()) &&
		w.curLogStartSeq < w.nextLogSeq {
		w.startNextLog()
	}
}

// flushBlock terminates the current block at endSeq: commit marker, block
// sequence, checksum trailer, transmission, then durable flush.
func (w *Writer) flushBlock(endSeq int64) {
	w.nextBlockSeq++
	w.sink.WriteString("c/")
	w.sink.WriteInt(w.inFlightCommitted.Seq)
	w.sink.WriteString("/")
	w.sink.WriteInt(w.inFlightCommitted.FidSeed)
	w.sink.WriteString("/")
	w.sink.WriteInt(w.inFlightCommitted.ErrChkSum)
	w.sink.WriteString("/")
	w.sink.WriteInt(int64(w.inFlightCommitted.Status))
	w.sink.WriteString("/")
	w.sink.WriteInt(endSeq)
	w.sink.WriteString("/\n")
	w.foldChecksum()
	txChecksum := w.blockChecksum
	txLen := w.sink.BufferedLen()
	w.sink.WriteInt(w.nextBlockSeq)
	w.sink.WriteString("/")
	w.foldChecksum()
	w.writeState = writeStateNone
	w.sink.WriteUint(uint64(w.blockChecksum))
	w.sink.WriteString("\n")
	if w.nextBlockSeq > 0 {
		count := int(endSeq - w.nextLogSeq)
		if w.transmitter.TransmitBlock(endSeq, count, w.sink.Buffered(),
			txChecksum, txLen) != transmit.StatusOK {
			w.transmitterUp.Store(false)
		}
	}
	w.sink.SetSync(true)
	w.sink.Flush()
	if !w.sink.Good() {
		w.ioError(w.sink.Err())
	} else if err := w.journal.maybeFsync(); err != nil {
		w.ioError(err)
	}
	w.startBlock(w.nextBlockChecksum)
}

// control executes a writer control request on the worker. A true return
// tells the serialization loop to flush the batch accumulated so far.
func (w *Writer) control(r *Request) bool {
	c := r.Control
	flush := false
	switch c.Type {
	case ControlNop:
	case ControlNewLog:
		if w.curLogStartSeq < w.lastLogSeq {
			w.startNextLog()
		}
		flush = true
	case ControlWriteBlock:
		return true
	case ControlSetParameters:
		if err := w.setParameters(c.ParamsPrefix, c.Params); err != nil {
			w.logger.Error("failed to apply parameters", "error", err)
			r.Status = -kfsEINVAL
			r.StatusMsg = err.Error()
		}
	default:
		panic(fmt.Sprintf("txlog: invalid control request type %d", c.Type))
	}
	c.Committed = w.inFlightCommitted
	c.LastLogSeq = w.lastLogSeq
	c.LogName = w.journal.name
	return flush && w.isLogStreamGood()
}

func parseBlockCommitted(line []byte) (int64, bool) {
	if len(line) < 3 || line[0] != 'c' || line[1] != '/' {
		return 0, false
	}
	end := 2
	for end < len(line) && line[end] != '/' {
		end++
	}
	if end >= len(line) || end == 2 {
		return 0, false
	}
	v, err := strconv.ParseInt(string(line[2:end]), 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// writeBlock splices an externally framed block into the log: the payload
// checksum is combined into the rolling block checksum without rescanning
// the payload, a locally computed trailer is appended, and the trailer is
// copied back into the request so downstream replayers see a whole block.
func (w *Writer) writeBlock(r *Request) {
	c := r.Control
	if len(c.BlockData) == 0 || len(c.BlockLines) == 0 {
		panic("txlog: write block without payload")
	}
	if w.lastLogSeq != w.nextLogSeq {
		panic("txlog: write block with unflushed records")
	}
	c.LastLogSeq = w.lastLogSeq
	c.LogName = w.journal.name
	if c.BlockStartSeq != w.nextLogSeq {
		r.Status = -kfsEINVAL
		r.StatusMsg = "invalid block start sequence"
		return
	}
	if c.BlockEndSeq < c.BlockStartSeq {
		r.Status = -kfsEINVAL
		r.StatusMsg = "invalid block end sequence"
		return
	}
	if !w.isLogStreamGood() {
		r.Status = -kfsEIO
		r.StatusMsg = "log write error"
		return
	}
	lastLen := c.BlockLines[len(c.BlockLines)-1]
	var lastLine []byte
	if 0 < lastLen && lastLen <= len(c.BlockData) {
		lastLine = c.BlockData[len(c.BlockData)-lastLen:]
	}
	blockCommitted, ok := parseBlockCommitted(lastLine)
	if !ok {
		r.Status = -kfsEIO
		r.StatusMsg = "log write: invalid block format"
		return
	}

	w.sink.SetSync(false)
	w.foldChecksum()
	w.blockChecksum = checksum.Combine(w.blockChecksum, c.BlockChecksum,
		int64(len(c.BlockData)))
	w.sink.Write(c.BlockData)
	w.chkPos = w.sink.BufferedLen()
	txChecksum := w.blockChecksum
	txLen := w.sink.BufferedLen()
	w.nextBlockSeq++
	trailerStart := w.sink.BufferedLen()
	w.sink.WriteInt(w.nextBlockSeq)
	w.sink.WriteString("/")
	w.foldChecksum()
	w.writeState = writeStateNone
	w.sink.WriteUint(uint64(w.blockChecksum))
	w.sink.WriteString("\n")
	trailer := w.sink.Buffered()[trailerStart:]
	c.BlockData = append(c.BlockData, trailer...)
	c.BlockLines[len(c.BlockLines)-1] += len(trailer)
	count := int(c.BlockEndSeq - c.BlockStartSeq)
	if w.transmitter.TransmitBlock(c.BlockEndSeq, count, w.sink.Buffered(),
		txChecksum, txLen) != transmit.StatusOK {
		w.transmitterUp.Store(false)
	}
	w.sink.SetSync(true)
	w.sink.Flush()
	if !w.sink.Good() {
		w.ioError(w.sink.Err())
	} else if err := w.journal.maybeFsync(); err != nil {
		w.ioError(err)
	}
	if !w.isLogStreamGood() {
		r.Status = -kfsEIO
		r.StatusMsg = "log write error"
		return
	}
	w.lastLogSeq = c.BlockEndSeq
	w.nextLogSeq = c.BlockEndSeq
	c.BlockSeq = w.nextBlockSeq
	c.BlockCommitted = blockCommitted
	r.Status = 0
	w.startBlock(w.nextBlockChecksum)
}

// reopenLog brings the stream back after a write failure. An open segment
// is always rotated rather than recreated so flushed blocks are preserved.
func (w *Writer) reopenLog() {
	if w.journal.isOpen() || w.curLogStartSeq < w.nextLogSeq {
		w.startNextLog()
	} else {
		w.newLog(w.nextLogSeq)
	}
}

func (w *Writer) startNextLog() {
	w.closeLog()
	w.logNum++
	w.newLog(w.lastLogSeq)
}

// newLog creates the numbered segment, writes the header block and flushes
// it as block zero. The header is written in decimal; the integer base
// switches to hex before the header block trailer.
func (w *Writer) newLog(seq int64) {
	w.journal.close()
	w.err = nil
	name := logName(w.logDir, logPrefix, w.logNum)
	if err := w.journal.open(name); err != nil {
		w.ioError(err)
		return
	}
	w.sink.Reset(w.journal)
	w.curLogStartSeq = seq
	w.nextLogSeq = seq
	w.lastLogSeq = seq
	w.curLogStartTime = w.now()
	w.nextBlockSeq = -1
	w.startBlock(checksum.Null)
	w.sink.WriteString("version/")
	w.sink.WriteInt(logVersion)
	w.sink.WriteString("\n")
	w.sink.WriteString("checksum/last-line\n")
	w.sink.WriteString("setintbase/16\n")
	w.sink.WriteString("time/")
	w.sink.WriteString(w.now().UTC().Format(isoTimeFormat))
	w.sink.WriteString("\n")
	w.sink.SetBase(16)
	w.flushBlock(seq)
	if err := w.journal.linkLatest(name, filepath.Join(w.logDir, w.lastLogName)); err != nil {
		w.ioError(err)
	}
}

// closeLog flushes any residual block, writes the closing time and digest
// trailer, syncs, closes the segment and repoints the stable last link.
func (w *Writer) closeLog() {
	if !w.journal.isOpen() {
		return
	}
	if w.nextLogSeq < w.lastLogSeq {
		w.flushBlock(w.lastLogSeq)
		w.nextLogSeq = w.lastLogSeq
	}
	name := w.journal.name
	w.writeState = writeStateNone
	w.sink.SetSync(true)
	w.sink.WriteString("time/")
	w.sink.WriteString(w.now().UTC().Format(isoTimeFormat))
	w.sink.WriteString("\n")
	w.sink.WriteString("checksum/")
	w.sink.WriteString(w.sink.MdHex())
	w.sink.WriteString("\n")
	w.sink.Flush()
	if !w.sink.Good() {
		w.ioError(w.sink.Err())
	} else if err := w.journal.fsync(); err != nil {
		w.ioError(err)
	}
	if err := w.journal.close(); err != nil {
		w.ioError(err)
	}
	if err := w.journal.linkLatest(name, filepath.Join(w.logDir, w.lastLogName)); err != nil {
		w.ioError(err)
	}
}

// processPendingAckQueue merges just-written requests into the pending-ack
// queue, splits off the prefix acknowledged by the transmitter, and hands
// the done slice to the producer's out queue.
func (w *Writer) processPendingAckQueue(q *queue) {
	w.pendingAckQueue.pushBackQueue(q)
	if w.pendingAckQueue.empty() {
		return
	}
	var done queue
	tc := w.transmitCommitted.Load()
	if tc < w.nextLogSeq {
		for !w.pendingAckQueue.empty() {
			if f := w.pendingAckQueue.front(); f.Logseq > tc {
				break
			}
			done.pushBack(w.pendingAckQueue.popFront())
		}
	} else {
		done = w.pendingAckQueue.takeAll()
	}
	if done.empty() {
		return
	}
	w.mu.Lock()
	w.outQueue.pushBackQueue(&done)
	w.mu.Unlock()
	if w.loop != nil {
		w.loop.Wakeup()
	}
}

// setParameters applies configuration under prefix and forwards the
// transmitter subtree.
func (w *Writer) setParameters(prefix string, p *properties.Properties) error {
	if p == nil {
		p = properties.New()
	}
	w.omitDefaults = p.GetBool(prefix+"omitDefaults", w.omitDefaults)
	w.maxBlockSize = p.GetInt64(prefix+"maxBlockSize", w.maxBlockSize)
	w.logDir = p.GetString(prefix+"logDir", w.logDir)
	w.lastLogName = p.GetString(prefix+"lastLogName", w.lastLogName)
	secs := p.GetFloat(prefix+"rotateIntervalSec", w.rotateInterval.Seconds())
	w.rotateInterval = time.Duration(secs * float64(time.Second))
	w.panicOnIoError = p.GetBool(prefix+"panicOnIoError", w.panicOnIoError)
	w.syncFlag = p.GetBool(prefix+"sync", w.syncFlag)
	if w.journal != nil {
		w.journal.syncFlag = w.syncFlag
	}
	w.failureSimInterval = p.GetInt64(prefix+"failureSimulationInterval",
		w.failureSimInterval)
	txPrefix := prefix + "transmitter."
	return w.transmitter.SetParameters(txPrefix, p.CopyWithPrefix(txPrefix))
}
