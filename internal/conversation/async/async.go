package async

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/tokligence/tokligence-chat/internal/conversation"
	"github.com/tokligence/tokligence-chat/internal/logging"
)

// Persister writes conversation snapshots to a Store in the background.
//
// Snapshots are sharded by conversation id so that one conversation is always
// written by the same worker, in the order Persist was called. Within a flush
// window only the newest snapshot per conversation is written.
// Snapshots still queued are lost if the process crashes before Close.
type Persister struct {
	store         conversation.Store
	shards        []chan request
	flushInterval time.Duration
	logger        *logging.Logger
	wg            sync.WaitGroup
	stopOnce      sync.Once
	stop          chan struct{}
}

type request struct {
	conv    *conversation.Conversation
	barrier chan struct{}
}

// Config configures the async persister.
type Config struct {
	Workers       int           // default 2
	BufferSize    int           // per worker, default 256
	FlushInterval time.Duration // default 1s
	Logger        *logging.Logger
}

var _ conversation.Persister = (*Persister)(nil)

// New starts the workers.
func New(store conversation.Store, cfg Config) *Persister {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	p := &Persister{
		store:         store,
		shards:        make([]chan request, cfg.Workers),
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
		stop:          make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i] = make(chan request, cfg.BufferSize)
		p.wg.Add(1)
		go p.worker(i, p.shards[i])
	}
	p.logger.Infof("started %d worker(s), buffer=%d, flush_interval=%v", cfg.Workers, cfg.BufferSize, cfg.FlushInterval)
	return p
}

func (p *Persister) shard(id string) chan request {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return p.shards[int(h.Sum32())%len(p.shards)]
}

// Persist queues a snapshot. When the shard queue is full the snapshot is
// written inline instead of being dropped.
func (p *Persister) Persist(ctx context.Context, c *conversation.Conversation) error {
	select {
	case <-p.stop:
		return p.store.Save(ctx, c)
	default:
	}
	select {
	case p.shard(c.ID) <- request{conv: c.Clone()}:
		return nil
	default:
		p.logger.Warnf("queue full, writing %s inline", c.ID)
		return p.store.Save(ctx, c)
	}
}

// Flush blocks until every snapshot queued before the call has been written.
func (p *Persister) Flush(ctx context.Context) error {
	barriers := make([]chan struct{}, 0, len(p.shards))
	for _, ch := range p.shards {
		b := make(chan struct{})
		select {
		case ch <- request{barrier: b}:
			barriers = append(barriers, b)
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stop:
			return nil
		}
	}
	for _, b := range barriers {
		select {
		case <-b:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stop:
			return nil
		}
	}
	return nil
}

func (p *Persister) worker(id int, in chan request) {
	defer p.wg.Done()
	pending := make(map[string]*conversation.Conversation)
	var order []string
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(order) == 0 {
			return
		}
		start := time.Now()
		ok := 0
		for _, convID := range order {
			if err := p.store.Save(context.Background(), pending[convID]); err != nil {
				p.logger.Errorf("worker-%d save %s: %v", id, convID, err)
				continue
			}
			ok++
		}
		p.logger.Debugf("worker-%d flushed %d/%d conversation(s) in %v", id, ok, len(order), time.Since(start))
		clear(pending)
		order = order[:0]
	}
	handle := func(req request) {
		if req.barrier != nil {
			flush()
			close(req.barrier)
			return
		}
		if _, seen := pending[req.conv.ID]; !seen {
			order = append(order, req.conv.ID)
		}
		pending[req.conv.ID] = req.conv
	}

	for {
		select {
		case req := <-in:
			handle(req)
		case <-ticker.C:
			flush()
		case <-p.stop:
			for {
				select {
				case req := <-in:
					handle(req)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close drains queued snapshots and closes the underlying store.
func (p *Persister) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	return p.store.Close()
}
