package permission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"lxmf_group/internal/model"
)

var ErrUnknownSection = errors.New("unknown section")

type (
	// Repository loads and stores the sections of the permission store.
	Repository interface {
		Load(ctx context.Context) ([]model.Section, error)
		Save(ctx context.Context, sections []model.Section) error
	}

	snapshot struct {
		sections []model.Section
	}

	// Directory answers permission lookups from an immutable snapshot.
	// Edits build a new snapshot and swap it in whole, so a lookup in
	// flight never observes a partial update.
	Directory struct {
		current atomic.Pointer[snapshot]
		dirty   atomic.Bool

		// serialises copy-on-write edits
		mu sync.Mutex
	}
)

func NewDirectory(sections []model.Section) *Directory {
	d := &Directory{}
	d.current.Store(newSnapshot(sections))
	return d
}

func newSnapshot(sections []model.Section) *snapshot {
	s := &snapshot{sections: make([]model.Section, 0, len(sections))}
	for _, sec := range sections {
		sec = sec.Clone()
		sec.Group = model.GroupFromSection(sec.Name)
		for i := range sec.Members {
			sec.Members[i].Group = sec.Group
			sec.Members[i].Wildcard = model.IsWildcardKey(sec.Members[i].Key)
		}
		s.sections = append(s.sections, sec)
	}
	return s
}

// Lookup returns the permission entry of addr. The first section holding
// the address wins, so directory order is significant. Without an explicit
// entry, a wildcard key in a send-capable section admits the sender with
// that section's group.
func (d *Directory) Lookup(addr model.PeerAddress) (model.Member, bool) {
	snap := d.current.Load()
	for _, sec := range snap.sections {
		if sec.Group == model.GroupNone {
			continue
		}
		for _, m := range sec.Members {
			if !m.Wildcard && m.Address == addr {
				return m, true
			}
		}
	}

	for _, sec := range snap.sections {
		if !sec.Group.CanSend() {
			continue
		}
		for _, m := range sec.Members {
			if m.Wildcard {
				return model.Member{
					Key:      m.Key,
					Address:  addr,
					Group:    sec.Group,
					Wildcard: true,
				}, true
			}
		}
	}
	return model.Member{}, false
}

// Recipients lists every receive-capable member except exclude, in
// directory order and without duplicates.
func (d *Directory) Recipients(exclude model.PeerAddress) []model.Member {
	snap := d.current.Load()
	seen := make(map[model.PeerAddress]struct{})
	var out []model.Member
	for _, sec := range snap.sections {
		if !sec.Group.CanReceive() {
			continue
		}
		for _, m := range sec.Members {
			if m.Wildcard || m.Address.IsZero() || m.Address == exclude {
				continue
			}
			if _, ok := seen[m.Address]; ok {
				continue
			}
			seen[m.Address] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

func (d *Directory) Sections() []model.Section {
	snap := d.current.Load()
	out := make([]model.Section, 0, len(snap.sections))
	for _, sec := range snap.sections {
		out = append(out, sec.Clone())
	}
	return out
}

// Replace swaps in a freshly loaded store and clears the dirty flag.
func (d *Directory) Replace(sections []model.Section) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current.Store(newSnapshot(sections))
	d.dirty.Store(false)
}

// Put adds or renames a member of section.
func (d *Directory) Put(section string, m model.Member) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sections := d.Sections()
	idx := indexOf(sections, section)
	if idx < 0 {
		return ErrUnknownSection
	}
	sec := &sections[idx]
	replaced := false
	for i := range sec.Members {
		if sec.Members[i].Key == m.Key {
			sec.Members[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		sec.Members = append(sec.Members, m)
	}
	d.current.Store(newSnapshot(sections))
	d.dirty.Store(true)
	return nil
}

// Remove deletes key from section and reports whether it was present.
func (d *Directory) Remove(section, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sections := d.Sections()
	idx := indexOf(sections, section)
	if idx < 0 {
		return false, ErrUnknownSection
	}
	sec := &sections[idx]
	for i := range sec.Members {
		if sec.Members[i].Key == key {
			sec.Members = append(sec.Members[:i], sec.Members[i+1:]...)
			d.current.Store(newSnapshot(sections))
			d.dirty.Store(true)
			return true, nil
		}
	}
	return false, nil
}

func (d *Directory) Dirty() bool {
	return d.dirty.Load()
}

// Reload replaces the directory with the repository contents.
func (d *Directory) Reload(ctx context.Context, repo Repository) error {
	sections, err := repo.Load(ctx)
	if err != nil {
		return err
	}
	d.Replace(sections)
	return nil
}

// Flush saves the directory if it has unsaved edits. A failed save keeps
// the dirty flag so the next flush retries.
func (d *Directory) Flush(ctx context.Context, repo Repository) error {
	if !d.dirty.Swap(false) {
		return nil
	}
	if err := repo.Save(ctx, d.Sections()); err != nil {
		d.dirty.Store(true)
		return err
	}
	return nil
}

func indexOf(sections []model.Section, name string) int {
	for i, sec := range sections {
		if sec.Name == name {
			return i
		}
	}
	return -1
}
