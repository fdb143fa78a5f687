package realtime

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bytedance/sonic"

	"trellosync/internal/model"
)

// Decoder turns one JSON row snapshot into a typed row.
type Decoder func(raw []byte) (model.Row, error)

var (
	regMu    sync.RWMutex
	decoders = map[model.Table]Decoder{
		model.TableBoards:   decodeAs[model.Board],
		model.TableLists:    decodeAs[model.List],
		model.TableCards:    decodeAs[model.Card],
		model.TableProfiles: decodeAs[model.Profile],
	}
	aliases = map[string]model.Table{
		"board":   model.TableBoards,
		"list":    model.TableLists,
		"card":    model.TableCards,
		"profile": model.TableProfiles,
	}
)

func decodeAs[T model.Row](raw []byte) (model.Row, error) {
	var v T
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Register installs a decoder for table, replacing any existing one.
func Register(table model.Table, dec Decoder) {
	regMu.Lock()
	defer regMu.Unlock()
	decoders[table] = dec
}

// NormalizeTable maps singular and schema-qualified names onto the canonical table.
func NormalizeTable(name string) model.Table {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if t, ok := aliases[name]; ok {
		return t
	}
	return model.Table(name)
}

// Lookup resolves a table name to its canonical form and decoder.
func Lookup(name string) (model.Table, Decoder, error) {
	table := NormalizeTable(name)
	regMu.RLock()
	dec, ok := decoders[table]
	regMu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return table, dec, nil
}
