package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/replicastore/replicastore/internal/metadata"
	"github.com/replicastore/replicastore/internal/replica"
)

// Load reads the inventory, reconciles metadata with data files and opens
// the repository. Inconsistent replicas are repaired or marked BROKEN one
// by one; only a failure to list the stores or a cancelled ctx aborts the
// load, leaving the repository FAILED.
func (r *Repository) Load(ctx context.Context) error {
	if err := r.transition(Initialized, Loading); err != nil {
		return err
	}
	defer r.events.flush()

	if err := r.load(ctx); err != nil {
		r.setLifecycle(Failed)
		return err
	}
	if err := r.applyPoolSize(); err != nil {
		r.setLifecycle(Failed)
		return err
	}
	if err := r.transition(Loading, Open); err != nil {
		return err
	}
	s := r.account.Stats()
	r.logger.Info().Int("replicas", r.store.Len()).Int64("total", s.Total).Int64("used", s.Used).
		Msg("repository loaded")
	return nil
}

func (r *Repository) load(ctx context.Context) error {
	r.logger.Info().Msg("Reading inventory")

	files, err := r.files.List()
	if err != nil {
		return fmt.Errorf("list data files: %w: %w", ErrDiskError, err)
	}
	records, err := r.store.Index()
	if err != nil {
		return fmt.Errorf("index metadata: %w: %w", ErrDiskError, err)
	}

	type presence struct{ file, meta bool }
	inventory := make(map[string]*presence, len(files))
	for _, name := range files {
		if err := replica.ValidateID(name); err != nil {
			r.logger.Warn().Str("file", name).Msg("ignoring data file with malformed name")
			continue
		}
		inventory[name] = &presence{file: true}
	}
	for _, id := range records {
		if err := replica.ValidateID(id); err != nil {
			r.logger.Warn().Str("record", id).Msg("ignoring metadata record with malformed id")
			continue
		}
		if p, ok := inventory[id]; ok {
			p.meta = true
		} else {
			inventory[id] = &presence{meta: true}
		}
	}
	ids := make([]string, 0, len(inventory))
	for id := range inventory {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	r.logger.Info().Int("count", len(ids)).Msgf("Checking meta data for %d files", len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.LoadConcurrency)
	for _, id := range ids {
		p := inventory[id]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r.reconcile(id, p.file, p.meta)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}
	return nil
}

// reconcile brings one replica's metadata in line with its data file and
// adds it to the store. Problems are logged and reported, never returned.
func (r *Repository) reconcile(id string, hasFile, hasMeta bool) {
	log := r.logger.With().Str("id", id).Logger()

	var (
		rec     metadata.Record
		metaErr error
	)
	if hasMeta {
		rec, metaErr = r.store.ReadPersisted(id)
		if metaErr != nil {
			log.Warn().Err(metaErr).Msg("unreadable metadata")
			hasMeta = false
		}
	}

	var size int64
	if hasFile {
		var err error
		size, err = r.files.Size(id)
		if err != nil {
			r.fail(id, "failed to stat data file", err)
			return
		}
	}

	switch {
	case !hasMeta && !hasFile:
		if err := r.store.DeletePersisted(id); err != nil {
			log.Error().Err(err).Msg("failed to delete unreadable metadata")
		}
		return

	case !hasMeta:
		now := r.clock.Now()
		rec = metadata.Record{
			ID:         id,
			State:      replica.Broken,
			Size:       size,
			CreatedAt:  now,
			LastAccess: now,
			Attributes: replica.Attributes{ID: id, Size: -1},
		}
		cause := errors.New("data file without metadata")
		if metaErr != nil {
			cause = metaErr
		}
		r.restore(rec, true)
		r.fail(id, "missing meta data, marking replica broken", cause)
		return

	case !hasFile:
		switch {
		case rec.State.IsLive():
			rec.State = replica.Broken
			rec.Size = 0
			r.restore(rec, true)
			r.fail(id, "data file missing, marking replica broken", fmt.Errorf("%s: no data file", id))
		default:
			log.Warn().Stringer("state", rec.State).Msg("deleting metadata of replica without data file")
			if err := r.store.DeletePersisted(id); err != nil {
				log.Error().Err(err).Msg("failed to delete metadata")
			}
		}
		return
	}

	switch rec.State {
	case replica.New, replica.Removed, replica.Destroyed:
		log.Info().Stringer("state", rec.State).Msg("deleting replica left over from previous run")
		if err := r.files.Remove(id); err != nil {
			r.fail(id, "failed to delete data file", err)
			return
		}
		if err := r.store.DeletePersisted(id); err != nil {
			log.Error().Err(err).Msg("failed to delete metadata")
		}

	case replica.FromClient, replica.FromPool, replica.FromStore:
		log.Warn().Stringer("state", rec.State).Int64("size", size).Msg("incomplete transfer, marking replica broken")
		rec.State = replica.Broken
		rec.Size = size
		r.restore(rec, true)
		r.fail(id, "incomplete transfer", fmt.Errorf("%s: transfer interrupted", id))

	case replica.Precious, replica.Cached:
		if expected := rec.Size; expected != size {
			log.Warn().Int64("expected", expected).Int64("actual", size).Msg("size mismatch, marking replica broken")
			rec.State = replica.Broken
			rec.Size = size
			r.restore(rec, true)
			r.fail(id, "size mismatch", fmt.Errorf("%s: recorded %d bytes, found %d: %w", id, expected, size, ErrSizeMismatch))
			return
		}
		r.restore(rec, false)

	case replica.Broken:
		changed := rec.Size != size
		rec.Size = size
		r.restore(rec, changed)
	}
}

// restore adds rec to the store, writing it back first when dirty.
func (r *Repository) restore(rec metadata.Record, dirty bool) {
	if dirty {
		if err := r.store.SavePersisted(rec); err != nil {
			r.fail(rec.ID, "failed to write repaired metadata", err)
		}
	}
	if _, err := r.store.Restore(rec); err != nil {
		r.fail(rec.ID, "failed to restore replica", err)
	}
}
