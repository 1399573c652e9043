// Copyright 2024 The lvm2go Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bcache

// byteRange splits [start, start+length) into the overlapping blocks of
// blockBytes size, yielding for each the block index, the byte offset
// within that block, and how many bytes of this call fall inside it.
func (c *Cache) byteRange(start, length uint64, yield func(index uint64, inBlockOff, n uint64) bool) {
	blockBytes := uint64(c.blockBytes)
	for length > 0 {
		index := start / blockBytes
		off := start % blockBytes
		n := blockBytes - off
		if n > length {
			n = length
		}
		if !yield(index, off, n) {
			return
		}
		start += n
		length -= n
	}
}

// ReadBytes reads length bytes starting at byte offset start on di into
// p, translating the request into prefetch-then-get-copy-then-put over
// the overlapping blocks.
func (c *Cache) ReadBytes(di DeviceID, start uint64, p []byte) error {
	var err error
	pos := 0
	c.byteRange(start, uint64(len(p)), func(index, off, n uint64) bool {
		c.Prefetch(di, index+1)
		b, e := c.Get(di, index, 0)
		if e != nil {
			err = e
			return false
		}
		copy(p[pos:pos+int(n)], b.Data[off:off+n])
		c.Put(b)
		pos += int(n)
		return true
	})
	return err
}

// WriteBytes writes p to byte offset start on di, translating the
// request into get(DIRTY)-copy-then-put over the overlapping blocks.
// Partial blocks (the range does not align to block boundaries) read
// the existing block content implicitly, since Get never discards
// unmodified bytes outside [off, off+n).
func (c *Cache) WriteBytes(di DeviceID, start uint64, p []byte) error {
	var err error
	pos := 0
	c.byteRange(start, uint64(len(p)), func(index, off, n uint64) bool {
		b, e := c.Get(di, index, GF_DIRTY)
		if e != nil {
			err = e
			return false
		}
		copy(b.Data[off:off+n], p[pos:pos+int(n)])
		c.Put(b)
		pos += int(n)
		return true
	})
	return err
}

// WriteZeros zeroes length bytes starting at byte offset start on di.
func (c *Cache) WriteZeros(di DeviceID, start, length uint64) error {
	var err error
	c.byteRange(start, length, func(index, off, n uint64) bool {
		b, e := c.Get(di, index, GF_DIRTY)
		if e != nil {
			err = e
			return false
		}
		zero(b.Data[off : off+n])
		c.Put(b)
		return true
	})
	return err
}
