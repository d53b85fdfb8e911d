package main

import (
	"fmt"
	"sort"

	"github.com/setavenger/blindbit-indexer/internal/database"
	"github.com/setavenger/blindbit-indexer/internal/database/backend"
	"github.com/setavenger/blindbit-indexer/internal/encoding"
	"github.com/setavenger/blindbit-indexer/internal/types"
)

// DatabaseExplorer reads the store of any backend without touching the
// indexes.
type DatabaseExplorer struct {
	db *database.Store
}

func NewDatabaseExplorer(kind, dataDir string, genesis types.Tip) (*DatabaseExplorer, error) {
	kv, err := backend.Open(kind, dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DatabaseExplorer{db: database.NewStore(kv, genesis)}, nil
}

func (de *DatabaseExplorer) Close() error {
	return de.db.Close()
}

type service struct {
	Name   string
	Prefix []byte
	Tip    types.Tip
}

// Services lists every allocated service ordered by prefix.
func (de *DatabaseExplorer) Services() ([]service, error) {
	prefixes, err := de.db.Prefixes()
	if err != nil {
		return nil, err
	}
	out := make([]service, 0, len(prefixes))
	for name, prefix := range prefixes {
		tip, err := de.db.GetServiceTip(name)
		if err != nil {
			return nil, fmt.Errorf("tip of %s: %w", name, err)
		}
		out = append(out, service{Name: name, Prefix: prefix, Tip: tip})
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].Prefix) < string(out[j].Prefix)
	})
	return out, nil
}

// CountKeys counts the keys of a service per sub-type byte.
func (de *DatabaseExplorer) CountKeys(name string) (map[byte]int, int, error) {
	prefixes, err := de.db.Prefixes()
	if err != nil {
		return nil, 0, err
	}
	prefix, ok := prefixes[name]
	if !ok {
		return nil, 0, fmt.Errorf("unknown service %q", name)
	}

	it := de.db.ScanPrefix(prefix)
	defer it.Close()

	counts := make(map[byte]int)
	total := 0
	for it.Next() {
		key := it.Key()
		if len(key) > encoding.SizePrefix {
			counts[key[encoding.SizePrefix]]++
		}
		total++
	}
	if err := it.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterator error: %w", err)
	}
	return counts, total, nil
}

func (de *DatabaseExplorer) PrintPrefixes() error {
	services, err := de.Services()
	if err != nil {
		return err
	}
	fmt.Println("Service Prefixes:")
	fmt.Println("=================")
	for _, s := range services {
		fmt.Printf("%-12s: %x\n", s.Name, s.Prefix)
	}
	return nil
}

func (de *DatabaseExplorer) PrintTips() error {
	services, err := de.Services()
	if err != nil {
		return err
	}
	fmt.Println("Service Tips:")
	fmt.Println("=============")
	for _, s := range services {
		fmt.Printf("%-12s: %8d %s\n", s.Name, s.Tip.Height, s.Tip.Hash)
	}
	return nil
}

func (de *DatabaseExplorer) PrintCounts(name string) error {
	counts, total, err := de.CountKeys(name)
	if err != nil {
		return err
	}
	subs := make([]int, 0, len(counts))
	for sub := range counts {
		subs = append(subs, int(sub))
	}
	sort.Ints(subs)

	fmt.Printf("Keys of %s:\n", name)
	for _, sub := range subs {
		fmt.Printf("  0x%02X: %d keys\n", sub, counts[byte(sub)])
	}
	fmt.Printf("  %-4s: %d keys\n", "TOTAL", total)
	return nil
}

// PrintDatabaseInfo prints prefixes, tips and key counts of every service.
func (de *DatabaseExplorer) PrintDatabaseInfo() error {
	fmt.Println("Blindbit Indexer Database Information")
	fmt.Println("=====================================")

	services, err := de.Services()
	if err != nil {
		return err
	}
	if len(services) == 0 {
		fmt.Println("empty database")
		return nil
	}
	for _, s := range services {
		_, total, err := de.CountKeys(s.Name)
		if err != nil {
			return err
		}
		fmt.Printf("%-12s prefix %x tip %8d %s keys %d\n", s.Name, s.Prefix, s.Tip.Height, s.Tip.Hash, total)
	}
	return nil
}
