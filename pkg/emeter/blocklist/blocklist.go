// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package blocklist implements the append-only, column-major sample
// buffer that backs every measurement Run. Samples are grouped into
// fixed-size Blocks and chained in insertion order; every block but the
// last is always full. The layout is grounded on the ringbuffer package's
// preallocated-slice idiom, adapted from overwrite-on-full to
// grow-a-new-block-on-full since a Run must never drop a sample.
package blocklist

import (
	"fmt"
	"sync"
)

// DefaultBlockSize is the number of samples held per block unless a Run
// is constructed with an explicit size.
const DefaultBlockSize = 10000

// TimestampField is the fixed index of the timestamp column within every
// sample.
const TimestampField = 0

// Block stores NFields columns of up to Size samples each, column-major:
// field f of sample i lives at fields[f*Size+i]. Only the tail block of a
// Run is ever partially filled.
type Block struct {
	fields []uint64
	size   int // capacity, in samples
	nfield int
	filled int // number of samples written so far
	next   *Block
}

func newBlock(size, nfields int) *Block {
	return &Block{
		fields: make([]uint64, size*nfields),
		size:   size,
		nfield: nfields,
	}
}

// Get returns the value of field f at sample index i within this block.
func (b *Block) Get(field, i int) uint64 {
	return b.fields[field*b.size+i]
}

// Filled reports how many samples have been written into this block.
func (b *Block) Filled() int { return b.filled }

// Next returns the next block in the chain, or nil at the tail.
func (b *Block) Next() *Block { return b.next }

func (b *Block) full() bool { return b.filled == b.size }

func (b *Block) append(sample []uint64) {
	off := b.filled
	for f := 0; f < b.nfield; f++ {
		b.fields[f*b.size+off] = sample[f]
	}
	b.filled++
}

// Run is the refcounted, singly-linked chain of blocks backing one
// measurement. A Run is alive while its reference count is greater than
// zero; Retain/Release manage that count. A Run with refcount zero must
// never be accessed again.
type Run struct {
	mu       sync.Mutex
	refcount int

	blockSize int
	nfields   int

	head *Block // first block, oldest samples
	tail *Block // last block, newest samples; the only one that may be partial
}

// NewRun allocates a Run with one empty head block, ready for Append.
// nfields is the number of uint64 columns per sample (always includes
// the timestamp field at index 0).
func NewRun(blockSize, nfields int) *Run {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	first := newBlock(blockSize, nfields)
	return &Run{
		refcount:  1,
		blockSize: blockSize,
		nfields:   nfields,
		head:      first,
		tail:      first,
	}
}

// BlockSize returns the configured sample capacity of each block.
func (r *Run) BlockSize() int { return r.blockSize }

// NFields returns the number of uint64 columns per sample.
func (r *Run) NFields() int { return r.nfields }

// Head returns the oldest block in the chain.
func (r *Run) Head() *Block { return r.head }

// Tail returns the current (possibly partial) newest block. Callers must
// not retain a *Block across a concurrent Append from the sampler
// goroutine without their own synchronization; Monitor serializes access
// via its own mutex around the (tail, total points) pair.
func (r *Run) Tail() *Block { return r.tail }

// Append writes one sample into the tail block, allocating a new tail
// block first if the current one is full. Returns the block the sample
// was written into.
func (r *Run) Append(sample []uint64) (*Block, error) {
	if len(sample) != r.nfields {
		return nil, fmt.Errorf("blocklist: sample has %d fields, run expects %d", len(sample), r.nfields)
	}
	if r.tail.full() {
		nb := newBlock(r.blockSize, r.nfields)
		r.tail.next = nb
		r.tail = nb
	}
	r.tail.append(sample)
	return r.tail, nil
}

// Retain increments the reference count. Called once per nested
// measurement interval opened against this run (see Monitor.Start).
func (r *Run) Retain() {
	r.mu.Lock()
	r.refcount++
	r.mu.Unlock()
}

// Release decrements the reference count, freeing the block chain once
// it reaches zero. Called once per Dataset released against this run.
// Releasing an already-dead run is a programming error and panics, the
// same way the original library's assert(run->refcount) does.
func (r *Run) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refcount == 0 {
		panic("blocklist: Release called on a run with zero refcount")
	}
	r.refcount--
	if r.refcount == 0 {
		r.head = nil
		r.tail = nil
	}
}

// Refcount reports the current reference count, for tests and
// diagnostics only.
func (r *Run) Refcount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refcount
}
