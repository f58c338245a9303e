package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-git/go-billy/v5"

	"github.com/replicastore/replicastore/internal/checksum"
	"github.com/replicastore/replicastore/internal/filestore"
	"github.com/replicastore/replicastore/internal/metadata"
	"github.com/replicastore/replicastore/internal/replica"
)

// WriteDescriptor is the handle of one write session created by
// CreateEntry. Exactly one of Commit followed by Close, or Close alone,
// happens per session; Close without Commit cancels the transfer.
type WriteDescriptor struct {
	r       *Repository
	id      string
	session string
	attrs   replica.Attributes
	target  replica.State
	sticky  []replica.StickyRecord

	mu        sync.Mutex
	file      billy.File
	allocated int64
	length    int64
	committed bool
	failed    bool
	closed    bool
}

// ID returns the replica id.
func (d *WriteDescriptor) ID() string { return d.id }

// Session returns the id used to correlate log lines of this session.
func (d *WriteDescriptor) Session() string { return d.session }

// Attributes returns the file attributes given at creation.
func (d *WriteDescriptor) Attributes() replica.Attributes { return d.attrs.Clone() }

// Allocated returns the space currently reserved by the descriptor.
func (d *WriteDescriptor) Allocated() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

func (d *WriteDescriptor) checkWritable() error {
	if d.closed {
		return fmt.Errorf("%s: descriptor closed: %w", d.id, ErrIllegalState)
	}
	if d.committed || d.failed {
		return fmt.Errorf("%s: descriptor committed: %w", d.id, ErrIllegalState)
	}
	return nil
}

// Allocate reserves size more bytes, blocking until space is available or
// ctx is done. A cancelled allocation reserves nothing.
func (d *WriteDescriptor) Allocate(ctx context.Context, size int64) error {
	if size < 0 {
		return fmt.Errorf("allocate %d bytes: %w", size, ErrIllegalArgument)
	}
	d.mu.Lock()
	err := d.checkWritable()
	d.mu.Unlock()
	if err != nil {
		return err
	}

	if err := d.r.account.Allocate(ctx, d.id, size); err != nil {
		return fmt.Errorf("%s: allocate %d bytes: %w", d.id, size, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		// Close raced the allocation; it already released what it knew of.
		if err := d.r.account.Release(d.id, size); err != nil {
			d.r.logger.Error().Err(err).Str("id", d.id).Msg("failed to release late allocation")
		}
		return fmt.Errorf("%s: descriptor closed: %w", d.id, ErrIllegalState)
	}
	d.allocated += size
	return nil
}

// AllocateNow reserves size more bytes if they are available immediately.
func (d *WriteDescriptor) AllocateNow(size int64) (bool, error) {
	if size < 0 {
		return false, fmt.Errorf("allocate %d bytes: %w", size, ErrIllegalArgument)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkWritable(); err != nil {
		return false, err
	}
	ok, err := d.r.account.AllocateNow(d.id, size)
	if err != nil {
		return false, err
	}
	if ok {
		d.allocated += size
	}
	return ok, nil
}

// CreateChannel returns the channel data is written through. Writes beyond
// the reserved space allocate the difference, blocking on ctx.
func (d *WriteDescriptor) CreateChannel(ctx context.Context) (*WriteChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkWritable(); err != nil {
		return nil, err
	}
	return &WriteChannel{d: d, ctx: ctx}, nil
}

// ensure makes sure end bytes are reserved.
func (d *WriteDescriptor) ensure(ctx context.Context, end int64) error {
	d.mu.Lock()
	need := end - d.allocated
	d.mu.Unlock()
	if need <= 0 {
		return nil
	}
	return d.Allocate(ctx, need)
}

func (d *WriteDescriptor) writeAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d: %w", off, ErrIllegalArgument)
	}
	end := off + int64(len(p))
	if err := d.ensure(ctx, end); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkWritable(); err != nil {
		return 0, err
	}
	var (
		n   int
		err error
	)
	if wa, ok := d.file.(io.WriterAt); ok {
		n, err = wa.WriteAt(p, off)
	} else {
		if _, err = d.file.Seek(off, io.SeekStart); err == nil {
			n, err = d.file.Write(p)
		}
	}
	if written := off + int64(n); written > d.length {
		d.length = written
	}
	if err != nil {
		return n, fmt.Errorf("%s: write: %w: %w", d.id, ErrDiskError, err)
	}
	return n, nil
}

// Commit moves the replica to its final state. The data length must match
// the expected size and checksums from the attributes, if known; otherwise
// the replica becomes BROKEN and a fault is reported.
func (d *WriteDescriptor) Commit(ctx context.Context) error {
	r := d.r
	defer r.events.flush()
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkWritable(); err != nil {
		return err
	}

	if err := filestore.Sync(d.file); err != nil {
		return d.failLocked("failed to sync data file", fmt.Errorf("%w: %w", ErrDiskError, err))
	}
	length, err := r.files.Size(d.id)
	if err != nil {
		return d.failLocked("failed to stat data file", fmt.Errorf("%w: %w", ErrDiskError, err))
	}
	d.length = length

	if d.attrs.HasSize() && d.attrs.Size != length {
		return d.failLocked("size mismatch", fmt.Errorf("%s: expected %d bytes, got %d: %w", d.id, d.attrs.Size, length, ErrSizeMismatch))
	}
	if len(d.attrs.Checksums) > 0 {
		if err := d.verifyLocked(); err != nil {
			return d.failLocked("checksum mismatch", err)
		}
	}

	if length > d.allocated {
		d.mu.Unlock()
		err := d.ensure(ctx, length)
		d.mu.Lock()
		if err != nil {
			return err
		}
	}
	d.releaseSurplusLocked(length)

	sticky := d.sticky
	if len(sticky) == 0 && r.opts.DefaultStickyLifetime > 0 {
		expire := replica.ExpireAt(r.clock.Now().Add(r.opts.DefaultStickyLifetime))
		sticky = []replica.StickyRecord{{Owner: SystemStickyOwner, Expire: expire}}
	}
	attrs := d.attrs.Clone()
	attrs.Size = length

	_, err = r.store.Update(d.id, func(tx *metadata.Txn) error {
		tx.SetSize(length)
		tx.SetAttributes(attrs)
		for _, s := range sticky {
			tx.SetSticky(s.Owner, s.Expire, true)
		}
		return tx.SetState(d.target)
	})
	if err != nil {
		return d.failLocked("failed to commit replica", r.storeError(d.id, err))
	}
	d.committed = true
	r.ns.AddCacheLocation(d.id)
	r.logger.Debug().Str("id", d.id).Str("session", d.session).Int64("size", length).
		Stringer("state", d.target).Msg("entry committed")
	return nil
}

func (d *WriteDescriptor) verifyLocked() error {
	f, err := d.r.files.OpenRead(d.id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDiskError, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := checksum.Verify(f, d.attrs.Checksums); err != nil {
		if errors.Is(err, checksum.ErrMismatch) {
			return fmt.Errorf("%s: %w: %w", d.id, ErrChecksumMismatch, err)
		}
		return fmt.Errorf("%w: %w", ErrDiskError, err)
	}
	return nil
}

// failLocked turns the replica BROKEN after a failed commit, reports the
// fault and returns cause.
func (d *WriteDescriptor) failLocked(message string, cause error) error {
	d.failed = true
	d.releaseSurplusLocked(d.length)
	length := d.length
	_, err := d.r.store.Update(d.id, func(tx *metadata.Txn) error {
		tx.SetSize(length)
		return tx.SetState(replica.Broken)
	})
	if err != nil {
		d.r.logger.Error().Err(err).Str("id", d.id).Msg("failed to mark replica broken")
	}
	d.r.fail(d.id, message, cause)
	return cause
}

func (d *WriteDescriptor) releaseSurplusLocked(keep int64) {
	surplus := d.allocated - keep
	if surplus <= 0 {
		return
	}
	if err := d.r.account.Release(d.id, surplus); err != nil {
		d.r.logger.Error().Err(err).Str("id", d.id).Int64("bytes", surplus).Msg("failed to release surplus allocation")
		return
	}
	d.allocated = keep
}

// Close ends the session. Without a prior Commit the transfer is
// cancelled: a replica that received no data is removed and destroyed,
// otherwise it becomes BROKEN. Calling Close twice fails.
func (d *WriteDescriptor) Close() error {
	r := d.r
	defer r.events.flush()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("%s: descriptor closed: %w", d.id, ErrIllegalState)
	}
	d.closed = true

	var closeErr error
	if err := d.file.Close(); err != nil {
		closeErr = fmt.Errorf("%s: close data file: %w: %w", d.id, ErrDiskError, err)
	}

	if d.committed || d.failed {
		r.unlink(d.id)
		return closeErr
	}

	if d.length == 0 {
		d.releaseSurplusLocked(0)
		_, err := r.store.Update(d.id, func(tx *metadata.Txn) error {
			if err := tx.DecLink(); err != nil {
				return err
			}
			return tx.SetState(replica.Removed)
		})
		if err != nil {
			r.fail(d.id, "failed to remove cancelled replica", err)
			return r.storeError(d.id, err)
		}
		r.logger.Info().Str("id", d.id).Str("session", d.session).Msg("transfer cancelled before any data arrived")
		if err := r.destroyIfUnlinked(d.id); err != nil {
			return err
		}
		return closeErr
	}

	d.releaseSurplusLocked(d.length)
	length := d.length
	_, err := r.store.Update(d.id, func(tx *metadata.Txn) error {
		if err := tx.DecLink(); err != nil {
			return err
		}
		tx.SetSize(length)
		return tx.SetState(replica.Broken)
	})
	if err != nil {
		r.fail(d.id, "failed to mark cancelled replica broken", err)
		return r.storeError(d.id, err)
	}
	r.fail(d.id, "transfer cancelled", fmt.Errorf("%s: %d bytes written without commit", d.id, length))
	return closeErr
}

// WriteChannel writes replica data during a write session. It implements
// io.Writer and io.WriterAt.
type WriteChannel struct {
	d   *WriteDescriptor
	ctx context.Context

	mu  sync.Mutex
	pos int64
}

// Write appends p at the current position.
func (c *WriteChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.d.writeAt(c.ctx, p, c.pos)
	c.pos += int64(n)
	return n, err
}

// WriteAt writes p at off without moving the position.
func (c *WriteChannel) WriteAt(p []byte, off int64) (int, error) {
	return c.d.writeAt(c.ctx, p, off)
}

// Size returns the highest offset written so far.
func (c *WriteChannel) Size() int64 {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	return c.d.length
}

// ReadDescriptor is the handle of one read session opened by OpenEntry.
type ReadDescriptor struct {
	r     *Repository
	id    string
	entry replica.Entry

	mu     sync.Mutex
	file   billy.File
	closed bool
}

// ID returns the replica id.
func (d *ReadDescriptor) ID() string { return d.id }

// Entry returns the replica as it was when the descriptor was opened.
func (d *ReadDescriptor) Entry() replica.Entry { return d.entry.Clone() }

// Attributes returns the file attributes. They stay available after Close.
func (d *ReadDescriptor) Attributes() replica.Attributes { return d.entry.Attributes.Clone() }

// Channel returns the replica data. The returned reader is only valid
// until Close.
func (d *ReadDescriptor) Channel() (*ReadChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("%s: descriptor closed: %w", d.id, ErrIllegalState)
	}
	return &ReadChannel{d: d}, nil
}

// Close ends the session. A replica removed while open is destroyed when
// its last descriptor closes.
func (d *ReadDescriptor) Close() error {
	defer d.r.events.flush()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("%s: descriptor closed: %w", d.id, ErrIllegalState)
	}
	d.closed = true

	var closeErr error
	if err := d.file.Close(); err != nil {
		closeErr = fmt.Errorf("%s: close data file: %w: %w", d.id, ErrDiskError, err)
	}
	d.r.unlink(d.id)
	return closeErr
}

// ReadChannel reads replica data. It implements io.Reader, io.ReaderAt and
// io.Seeker.
type ReadChannel struct {
	d *ReadDescriptor
}

func (c *ReadChannel) file() (billy.File, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.d.closed {
		return nil, fmt.Errorf("%s: descriptor closed: %w", c.d.id, ErrIllegalState)
	}
	return c.d.file, nil
}

// Read reads from the current position.
func (c *ReadChannel) Read(p []byte) (int, error) {
	f, err := c.file()
	if err != nil {
		return 0, err
	}
	return f.Read(p)
}

// ReadAt reads at off.
func (c *ReadChannel) ReadAt(p []byte, off int64) (int, error) {
	f, err := c.file()
	if err != nil {
		return 0, err
	}
	return f.ReadAt(p, off)
}

// Seek moves the read position.
func (c *ReadChannel) Seek(offset int64, whence int) (int64, error) {
	f, err := c.file()
	if err != nil {
		return 0, err
	}
	return f.Seek(offset, whence)
}

// Size returns the current length of the data file.
func (c *ReadChannel) Size() (int64, error) {
	if _, err := c.file(); err != nil {
		return 0, err
	}
	return c.d.r.files.Size(c.d.id)
}
