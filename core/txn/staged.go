package txn

import (
	"fmt"

	"github.com/sushant-115/gojotxn/core/kv"
)

// stagedMutation is one document this attempt has staged.
type stagedMutation struct {
	key   string
	typ   MutationType
	value []byte
	// cas is the document's CAS right after our latest staging write.
	cas kv.Cas
	// originalCas is the CAS the document had before we first staged it.
	originalCas kv.Cas
	// original is the committed body the document keeps while staged.
	// Unused for inserts.
	original []byte
}

// document builds the full store content for the staged form of m.
func (m *stagedMutation) document(meta *docMeta) kv.Mutation {
	if m.typ == MutationInsert {
		return kv.Mutation{Deleted: true, Xattr: meta.encode()}
	}
	return kv.Mutation{Value: m.original, Xattr: meta.encode()}
}

// stagedBuffer is the per-attempt record of staged writes. It is not
// goroutine-safe; the owning AttemptContext serializes access.
type stagedBuffer struct {
	order []string
	byKey map[string]*stagedMutation
	// observed is the last CAS this attempt saw for each key.
	observed map[string]kv.Cas
}

func newStagedBuffer() *stagedBuffer {
	return &stagedBuffer{
		byKey:    make(map[string]*stagedMutation),
		observed: make(map[string]kv.Cas),
	}
}

// observe records the CAS a read returned.
func (b *stagedBuffer) observe(key string, cas kv.Cas) {
	b.observed[key] = cas
}

// checkCas fails with ErrStaleRead unless cas is what this attempt last saw.
func (b *stagedBuffer) checkCas(key string, cas kv.Cas) error {
	seen, ok := b.observed[key]
	if !ok || seen != cas {
		return fmt.Errorf("%w: %s", ErrStaleRead, key)
	}
	return nil
}

// stageInsert records an insert whose staging write landed with cas.
func (b *stagedBuffer) stageInsert(key string, value []byte, cas kv.Cas) error {
	if _, ok := b.byKey[key]; ok {
		return fmt.Errorf("%w: %s", ErrKeyAlreadyStaged, key)
	}
	b.add(&stagedMutation{key: key, typ: MutationInsert, value: value, cas: cas})
	return nil
}

// stageReplace records a replace. readCas is the CAS the caller read the
// document at; newCas the CAS after the staging write. A replace of a key
// already staged as an insert stays an insert.
func (b *stagedBuffer) stageReplace(key string, value []byte, readCas, newCas kv.Cas, original []byte) error {
	if err := b.checkCas(key, readCas); err != nil {
		return err
	}
	if m, ok := b.byKey[key]; ok {
		if m.typ == MutationRemove {
			m.typ = MutationReplace
		}
		m.value = value
		m.cas = newCas
		b.observe(key, newCas)
		return nil
	}
	b.add(&stagedMutation{key: key, typ: MutationReplace, value: value, cas: newCas, originalCas: readCas, original: original})
	return nil
}

// stageRemove records a remove, with the same staleness rule as stageReplace.
func (b *stagedBuffer) stageRemove(key string, readCas, newCas kv.Cas, original []byte) error {
	if err := b.checkCas(key, readCas); err != nil {
		return err
	}
	if m, ok := b.byKey[key]; ok {
		m.typ = MutationRemove
		m.value = nil
		m.cas = newCas
		b.observe(key, newCas)
		return nil
	}
	b.add(&stagedMutation{key: key, typ: MutationRemove, cas: newCas, originalCas: readCas, original: original})
	return nil
}

// drop forgets key entirely, used when a staged insert is removed again.
func (b *stagedBuffer) drop(key string) {
	if _, ok := b.byKey[key]; !ok {
		return
	}
	delete(b.byKey, key)
	delete(b.observed, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// resolve returns the staged mutation for key, if any.
func (b *stagedBuffer) resolve(key string) (*stagedMutation, bool) {
	m, ok := b.byKey[key]
	return m, ok
}

// list returns the staged mutations in first-staged order.
func (b *stagedBuffer) list() []*stagedMutation {
	out := make([]*stagedMutation, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, b.byKey[k])
	}
	return out
}

func (b *stagedBuffer) len() int { return len(b.order) }

func (b *stagedBuffer) add(m *stagedMutation) {
	b.byKey[m.key] = m
	b.order = append(b.order, m.key)
	b.observe(m.key, m.cas)
}
