package feed

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const defaultKeepLast = 7

// RetentionTable maps namespace prefixes to keep-counts. The longest matching
// prefix wins; unmatched namespaces keep Default.
type RetentionTable struct {
	Default  int
	Prefixes map[string]int
}

func DefaultRetention() RetentionTable {
	return RetentionTable{
		Default: defaultKeepLast,
		Prefixes: map[string]int{
			"1_23/":       7,
			"1_27/":       7,
			"1_33/site/":  14,
			"1_33/exist/": 14,
			"netto/":      5,
		},
	}
}

func (t RetentionTable) KeepFor(namespace string) int {
	keep, best := t.Default, -1
	for prefix, n := range t.Prefixes {
		if strings.HasPrefix(namespace, prefix) && len(prefix) > best {
			keep, best = n, len(prefix)
		}
	}
	if keep < 1 {
		return defaultKeepLast
	}
	return keep
}

// Publisher uploads artifacts and prunes their namespace. Upload and prune of
// one namespace never interleave with another publish to the same namespace.
type Publisher struct {
	store ObjectStore
	log   zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewPublisher(store ObjectStore, log zerolog.Logger) *Publisher {
	return &Publisher{store: store, log: log, locks: make(map[string]*sync.Mutex)}
}

func (p *Publisher) lockFor(namespace string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[namespace]
	if !ok {
		l = &sync.Mutex{}
		p.locks[namespace] = l
	}
	return l
}

// Publish uploads localPath under key and then keeps only the keep newest
// objects under namespace. Prune failures are logged, never returned.
func (p *Publisher) Publish(ctx context.Context, localPath, key, namespace, contentType string, keep int) (string, error) {
	l := p.lockFor(namespace)
	l.Lock()
	defer l.Unlock()

	url, err := p.store.Upload(ctx, localPath, key, contentType)
	if err != nil {
		return "", err
	}
	p.prune(ctx, namespace, keep)
	return url, nil
}

func (p *Publisher) prune(ctx context.Context, namespace string, keep int) []string {
	if keep < 1 {
		keep = 1
	}
	objs, err := p.store.List(ctx, namespace)
	if err != nil {
		p.log.Warn().Err(err).Str("namespace", namespace).Msg("retention list failed")
		return nil
	}
	if len(objs) <= keep {
		return nil
	}
	sortNewestFirst(objs)
	var deleted []string
	for _, obj := range objs[keep:] {
		if err := p.store.Delete(ctx, obj.Key); err != nil {
			p.log.Warn().Err(err).Str("key", obj.Key).Msg("retention delete failed")
			continue
		}
		deleted = append(deleted, obj.Key)
	}
	if len(deleted) > 0 {
		p.log.Debug().Str("namespace", namespace).Int("deleted", len(deleted)).Int("keep", keep).Msg("retention pruned")
	}
	return deleted
}

func (p *Publisher) Store() ObjectStore { return p.store }
