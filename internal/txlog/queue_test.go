package txlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueue_FIFO(t *testing.T) {
	var q queue
	assert.True(t, q.empty())
	a, b, c := &Request{Seqno: 1}, &Request{Seqno: 2}, &Request{Seqno: 3}
	q.pushBack(a)
	q.pushBack(b)
	q.pushBack(c)
	assert.Equal(t, 3, q.len())
	assert.Same(t, a, q.popFront())
	assert.Same(t, b, q.popFront())
	assert.Same(t, c, q.popFront())
	assert.Nil(t, q.popFront())
	assert.True(t, q.empty())
}

func TestQueue_SpliceKeepsOrderAndResetsSource(t *testing.T) {
	var a, b queue
	a.pushBack(&Request{Seqno: 1})
	b.pushBack(&Request{Seqno: 2})
	b.pushBack(&Request{Seqno: 3})
	a.pushBackQueue(&b)
	assert.True(t, b.empty())
	assert.Equal(t, 3, a.len())
	var got []int64
	for r := a.popFront(); r != nil; r = a.popFront() {
		got = append(got, r.Seqno)
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
}

func TestQueue_TakeAll(t *testing.T) {
	var q queue
	q.pushBack(&Request{Seqno: 1})
	q.pushBack(&Request{Seqno: 2})
	taken := q.takeAll()
	assert.True(t, q.empty())
	assert.Equal(t, 2, taken.len())
	// The emptied queue is reusable.
	q.pushBack(&Request{Seqno: 3})
	assert.Equal(t, 1, q.len())
}

func TestSysToKfsErrno(t *testing.T) {
	assert.Equal(t, 0, sysToKfsErrno(0))
	assert.Equal(t, -kfsEIO, sysToKfsErrno(-5))
	assert.Equal(t, -kfsENOENT, sysToKfsErrno(-2))
	assert.Equal(t, -kfsELOGFAILED, sysToKfsErrno(-ELogFailed))
	assert.Equal(t, 7, sysToKfsErrno(7), "positive statuses pass through")
}
