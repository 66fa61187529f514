package filelist

// InfoCache memoises the previously-serialised entry's mode, uid,
// mtime and pathname bytes, the state the file-list serialiser needs
// to decide which repeated-field flags to set.
type InfoCache struct {
	hasPrev bool
	mode    uint32
	uid     uint32
	mtime   int64
	name    []byte
}

// Prev returns whether there is a previous entry and, if so, its
// remembered fields.
func (c *InfoCache) Prev() (mode uint32, uid uint32, mtime int64, name []byte, ok bool) {
	return c.mode, c.uid, c.mtime, c.name, c.hasPrev
}

// Update records fi as the new "previous entry".
func (c *InfoCache) Update(fi FileInfo) {
	c.hasPrev = true
	c.mode = fi.Mode
	c.uid = fi.Owner.UID
	c.mtime = fi.ModTime
	c.name = append(c.name[:0], fi.NameBytes...)
}
