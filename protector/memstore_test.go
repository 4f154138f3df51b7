package protector

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/watchtower-guard/slashing-protector/store"
)

// memStore is a minimal in-memory store.Store used to exercise the rule
// evaluators and the coordinator without a real SQL driver. It implements
// the same invariants (duplicate rejection, watermark monotonicity) the
// sqlite-backed store enforces.
type memStore struct {
	mu         sync.Mutex
	nextID     uint64
	validators map[PubKey]ValidatorID
	byID       map[ValidatorID]PubKey
	blocks     map[ValidatorID]map[uint64]SignedBlock
	atts       map[ValidatorID]map[uint64]SignedAttestation
	watermarks map[ValidatorID]Watermarks
}

func newMemStore() *memStore {
	return &memStore{
		validators: make(map[PubKey]ValidatorID),
		byID:       make(map[ValidatorID]PubKey),
		blocks:     make(map[ValidatorID]map[uint64]SignedBlock),
		atts:       make(map[ValidatorID]map[uint64]SignedAttestation),
		watermarks: make(map[ValidatorID]Watermarks),
	}
}

func (s *memStore) Begin(ctx context.Context) (store.Tx, error) {
	s.mu.Lock()
	return &memTx{s: s}, nil
}

func (s *memStore) Close() error { return nil }

type memTx struct {
	s    *memStore
	done bool
}

func (t *memTx) finish() {
	if !t.done {
		t.done = true
		t.s.mu.Unlock()
	}
}

func (t *memTx) Commit() error   { t.finish(); return nil }
func (t *memTx) Rollback() error { t.finish(); return nil }

func (t *memTx) FindBlock(ctx context.Context, v ValidatorID, slot uint64) (*SignedBlock, error) {
	if m, ok := t.s.blocks[v]; ok {
		if b, ok := m[slot]; ok {
			cp := b
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertBlock(ctx context.Context, b SignedBlock) error {
	m, ok := t.s.blocks[b.ValidatorID]
	if !ok {
		m = make(map[uint64]SignedBlock)
		t.s.blocks[b.ValidatorID] = m
	}
	if _, exists := m[b.Slot]; exists {
		return errors.Errorf("block already exists for validator %d at slot %d", b.ValidatorID, b.Slot)
	}
	m[b.Slot] = b
	return nil
}

func (t *memTx) MinBlockSlot(ctx context.Context, v ValidatorID) (*uint64, error) {
	return t.s.watermarks[v].MinBlockSlot, nil
}

func (t *memTx) FindAttestationByTarget(ctx context.Context, v ValidatorID, target uint64) (*SignedAttestation, error) {
	if m, ok := t.s.atts[v]; ok {
		if a, ok := m[target]; ok {
			cp := a
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) FindSurrounding(ctx context.Context, v ValidatorID, source, target uint64) (*SignedAttestation, error) {
	for _, a := range t.s.atts[v] {
		if a.Source < source && a.Target > target {
			cp := a
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) FindSurrounded(ctx context.Context, v ValidatorID, source, target uint64) (*SignedAttestation, error) {
	for _, a := range t.s.atts[v] {
		if a.Source > source && a.Target < target {
			cp := a
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertAttestation(ctx context.Context, a SignedAttestation) error {
	m, ok := t.s.atts[a.ValidatorID]
	if !ok {
		m = make(map[uint64]SignedAttestation)
		t.s.atts[a.ValidatorID] = m
	}
	if _, exists := m[a.Target]; exists {
		return errors.Errorf("attestation already exists for validator %d at target %d", a.ValidatorID, a.Target)
	}
	m[a.Target] = a
	return nil
}

func (t *memTx) MinAttestationSourceEpoch(ctx context.Context, v ValidatorID) (*uint64, error) {
	return t.s.watermarks[v].MinAttSourceEpoch, nil
}

func (t *memTx) MinAttestationTargetEpoch(ctx context.Context, v ValidatorID) (*uint64, error) {
	return t.s.watermarks[v].MinAttTargetEpoch, nil
}

func (t *memTx) RetrieveValidators(ctx context.Context, keys []PubKey) ([]Validator, error) {
	var out []Validator
	for _, k := range keys {
		if id, ok := t.s.validators[k]; ok {
			out = append(out, Validator{ID: id, PublicKey: k})
		}
	}
	return out, nil
}

func (t *memTx) RegisterValidators(ctx context.Context, keys []PubKey) ([]Validator, error) {
	out := make([]Validator, 0, len(keys))
	for _, k := range keys {
		id, ok := t.s.validators[k]
		if !ok {
			t.s.nextID++
			id = ValidatorID(t.s.nextID)
			t.s.validators[k] = id
			t.s.byID[id] = k
		}
		out = append(out, Validator{ID: id, PublicKey: k})
	}
	return out, nil
}

func (t *memTx) Watermarks(ctx context.Context, v ValidatorID) (Watermarks, error) {
	if w, ok := t.s.watermarks[v]; ok {
		return w, nil
	}
	return Watermarks{ValidatorID: v}, nil
}

func (t *memTx) RaiseWatermarks(ctx context.Context, v ValidatorID, update WatermarkUpdate) error {
	w := t.s.watermarks[v]
	w.ValidatorID = v
	w.MinBlockSlot = maxPtrTest(w.MinBlockSlot, update.BlockSlot)
	w.MinAttSourceEpoch = maxPtrTest(w.MinAttSourceEpoch, update.SourceEpoch)
	w.MinAttTargetEpoch = maxPtrTest(w.MinAttTargetEpoch, update.TargetEpoch)
	t.s.watermarks[v] = w
	return nil
}

func (t *memTx) AllBlocks(ctx context.Context, v ValidatorID) ([]SignedBlock, error) {
	var out []SignedBlock
	for _, b := range t.s.blocks[v] {
		out = append(out, b)
	}
	return out, nil
}

func (t *memTx) AllAttestations(ctx context.Context, v ValidatorID) ([]SignedAttestation, error) {
	var out []SignedAttestation
	for _, a := range t.s.atts[v] {
		out = append(out, a)
	}
	return out, nil
}

func (t *memTx) AllValidators(ctx context.Context) ([]Validator, error) {
	var out []Validator
	for id, k := range t.s.byID {
		out = append(out, Validator{ID: id, PublicKey: k})
	}
	return out, nil
}

func maxPtrTest(a, b *uint64) *uint64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b > *a:
		return b
	default:
		return a
	}
}
