package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dotsetgreg/chatbridge/pkg/attachments"
	"github.com/dotsetgreg/chatbridge/pkg/cache"
	"github.com/dotsetgreg/chatbridge/pkg/config"
	"github.com/dotsetgreg/chatbridge/pkg/conversation"
	"github.com/dotsetgreg/chatbridge/pkg/emoji"
	"github.com/dotsetgreg/chatbridge/pkg/eventbus"
	"github.com/dotsetgreg/chatbridge/pkg/events"
	"github.com/dotsetgreg/chatbridge/pkg/logger"
	"github.com/dotsetgreg/chatbridge/pkg/platform"
	"github.com/dotsetgreg/chatbridge/pkg/ratelimit"
)

// Adapter owns the lifecycle of every runtime component: construction in
// dependency order, one background task per concern, reverse-order stop.
type Adapter struct {
	cfg    *config.Config
	client platform.Client

	limiter  *ratelimit.Limiter
	messages *cache.MessageCache
	users    *cache.UserCache
	attCache *cache.AttachmentCache
	manager  *conversation.Manager
	incoming *events.IncomingProcessor
	outgoing *events.OutgoingProcessor
	queue    *eventbus.Queue
	server   *eventbus.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
	fatal  chan error
}

// New wires the component graph. The platform client is selected by
// adapter.adapter_type through the registry.
func New(cfg *config.Config) (*Adapter, error) {
	client, err := platform.New(cfg)
	if err != nil {
		return nil, err
	}
	return newWithClient(cfg, client), nil
}

func newWithClient(cfg *config.Config, client platform.Client) *Adapter {
	limiter := ratelimit.NewLimiter(cfg.RateLimit)
	messages := cache.NewMessageCache(cfg.Caching)
	users := cache.NewUserCache(cfg.Caching)
	attCache := cache.NewAttachmentCache(cfg.Attachments, cfg.StorageDirAbs())
	manager := conversation.NewManager(cfg.Adapter.AdapterType, messages, users)
	emojiConv := emoji.NewConverter(cfg.Adapter.EmojiMappings)
	downloader := attachments.NewDownloader(client, attCache, cfg.Attachments)
	uploader := attachments.NewUploader(client, "", cfg.MaxFileSizeBytes())
	history := events.NewHistoryFetcher(client, manager, messages, attCache, cfg.Adapter, cfg.Caching)

	server := eventbus.NewServer(cfg.EventBus)
	outgoing := events.NewOutgoingProcessor(client, manager, limiter, uploader, downloader, history, emojiConv, cfg.Adapter)
	queue := eventbus.NewQueue(cfg.Adapter.AdapterType, outgoing, server, cfg.EventBus.QueueSize)
	server.SetQueue(queue)
	incoming := events.NewIncomingProcessor(client, manager, attCache, downloader, history, queue, emojiConv, cfg.Adapter)

	return &Adapter{
		cfg:      cfg,
		client:   client,
		limiter:  limiter,
		messages: messages,
		users:    users,
		attCache: attCache,
		manager:  manager,
		incoming: incoming,
		outgoing: outgoing,
		queue:    queue,
		server:   server,
		fatal:    make(chan error, 1),
	}
}

// Start brings every component up in dependency order.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.messages.StartMaintenance(runCtx)
	a.attCache.StartMaintenance(runCtx)

	if err := a.connectWithRetry(ctx); err != nil {
		cancel()
		return err
	}

	if err := a.server.Start(runCtx); err != nil {
		cancel()
		_ = a.client.Disconnect(ctx)
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.queue.Run(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.pumpEvents(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.monitorConnection(runCtx)
	}()

	logger.InfoCF("adapter", "Adapter started", map[string]any{
		"adapter_type": a.cfg.Adapter.AdapterType,
		"adapter_name": a.cfg.Adapter.AdapterName,
	})
	return nil
}

// Stop tears down in reverse order. Attachment disk contents are
// preserved.
func (a *Adapter) Stop(ctx context.Context) error {
	logger.InfoC("adapter", "Stopping adapter")

	if a.cancel != nil {
		a.cancel()
	}
	a.queue.Wait()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.WarnC("adapter", "Background tasks did not stop in time")
	}

	if err := a.server.Stop(ctx); err != nil {
		logger.WarnCF("adapter", "Event bus stop failed", map[string]any{"error": err.Error()})
	}
	if err := a.client.Disconnect(ctx); err != nil {
		logger.WarnCF("adapter", "Platform disconnect failed", map[string]any{"error": err.Error()})
	}
	logger.InfoC("adapter", "Adapter stopped")
	return nil
}

// Run blocks until the context ends or a fatal condition surfaces.
func (a *Adapter) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-a.fatal:
		return err
	}
}

func (a *Adapter) connectWithRetry(ctx context.Context) error {
	attempts := a.cfg.Adapter.MaxReconnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(a.cfg.Adapter.RetryDelay) * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := a.client.Connect(ctx); err != nil {
			logger.WarnCF("adapter", "Platform connect failed, retrying", map[string]any{
				"error": err.Error(),
			})
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
	return err
}

// pumpEvents is the single consumer of the platform's raw event stream.
func (a *Adapter) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.client.Events():
			if !ok {
				return
			}
			a.incoming.Process(ctx, ev)
		}
	}
}

// monitorConnection emits connect while the session is healthy and tries
// to reconnect when it is not. Exhausting the retry budget is fatal.
func (a *Adapter) monitorConnection(ctx context.Context) {
	interval := time.Duration(a.cfg.Adapter.ConnectionCheckInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if a.client.IsAlive(ctx) {
			a.queue.EmitBotRequest(events.TypeConnect, map[string]any{
				"adapter_type": a.cfg.Adapter.AdapterType,
			})
			continue
		}

		logger.WarnC("adapter", "Platform connection lost, reconnecting")
		if err := a.connectWithRetry(ctx); err != nil {
			a.queue.EmitBotRequest(events.TypeDisconnect, map[string]any{
				"adapter_type": a.cfg.Adapter.AdapterType,
			})
			select {
			case a.fatal <- fmt.Errorf("connection lost beyond %d reconnect attempts: %w",
				a.cfg.Adapter.MaxReconnectAttempts, err):
			default:
			}
			return
		}
		logger.InfoC("adapter", "Platform connection restored")
	}
}
