package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"joinflow/internal/broadcast"
	"joinflow/internal/kit"
	"joinflow/internal/onboarding"
	"joinflow/internal/store"
)

// Request carries one inbound update through the middleware chain.
type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Admin   bool

	Logger *slog.Logger
}

// Router drains the adapter's update channel through a bounded worker pool
// and hands each update to the funnel or the admin command surface.
type Router struct {
	log     *slog.Logger
	adapter kit.Adapter
	cfgm    *ConfigManager
	store   store.Store
	flow    *onboarding.Service
	bcast   *broadcast.Service

	jobs    chan func()
	handler HandlerFunc

	mu      sync.Mutex
	rootCtx context.Context
}

func NewRouter(log *slog.Logger, adapter kit.Adapter, cfgm *ConfigManager, st store.Store, flow *onboarding.Service, bc *broadcast.Service) *Router {
	r := &Router{
		log:     log,
		adapter: adapter,
		cfgm:    cfgm,
		store:   st,
		flow:    flow,
		bcast:   bc,
		jobs:    make(chan func(), 256),
	}
	r.handler = Chain(r.route,
		MWPanicRecover(log),
		MWRequestLog(log),
		MWTimeout(30*time.Second),
	)
	return r
}

func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	r.mu.Lock()
	r.rootCtx = ctx
	r.mu.Unlock()

	cfg := r.cfgm.Get()
	workers := 0
	if cfg != nil {
		workers = cfg.Telegram.Workers
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers < 2 {
			workers = 2
		}
	}
	r.log.Info("update dispatcher started", slog.Int("workers", workers), slog.Int("job_queue_cap", cap(r.jobs)))

	var (
		wg        sync.WaitGroup
		closeOnce sync.Once
	)
	closeJobs := func() {
		closeOnce.Do(func() { close(r.jobs) })
	}

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("panic in update worker", slog.Int("worker", idx), slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					if job != nil {
						job()
					}
				}
			}
		}()
	}

	defer func() {
		closeJobs()
		wg.Wait()
		r.log.Info("update dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("updates channel closed")
				return nil
			}
			req, accept := r.newRequest(up)
			if !accept {
				continue
			}
			select {
			case r.jobs <- func() { _ = r.handler(ctx, req) }:
			default:
				r.log.Warn("job queue full, dropping update", slog.String("kind", string(up.Kind)))
			}
		}
	}
}

// newRequest normalizes an update: sender, chat, command tokens, and the
// admin check (done once here, never re-derived in handlers).
func (r *Router) newRequest(up kit.Update) (*Request, bool) {
	req := &Request{Update: up, Logger: r.log}

	switch up.Kind {
	case kit.UpdateMessage:
		m := up.Message
		if m == nil {
			return nil, false
		}
		req.Chat = kit.ChatTarget{ChatID: m.ChatID}
		req.FromID = m.FromID
		text := strings.TrimSpace(m.Text)
		if strings.HasPrefix(text, "/") {
			parts := strings.Fields(text)
			word := strings.TrimPrefix(parts[0], "/")
			if i := strings.IndexByte(word, '@'); i >= 0 {
				word = word[:i]
			}
			req.Command = word
			req.Args = parts[1:]
		}
	case kit.UpdateCallback:
		cb := up.Callback
		if cb == nil {
			return nil, false
		}
		req.Chat = kit.ChatTarget{ChatID: cb.ChatID}
		req.FromID = cb.FromID
		req.Command = cb.Data
	case kit.UpdateJoinRequest:
		jr := up.JoinRequest
		if jr == nil {
			return nil, false
		}
		req.Chat = kit.ChatTarget{ChatID: jr.ChatID}
		req.FromID = jr.FromID
		req.Command = "join_request"
	default:
		return nil, false
	}

	if cfg := r.cfgm.Get(); cfg != nil {
		req.Admin = cfg.IsAdmin(req.FromID)
	}
	return req, true
}

func (r *Router) route(ctx context.Context, req *Request) error {
	switch req.Update.Kind {
	case kit.UpdateJoinRequest:
		r.flow.HandleJoinRequest(ctx, *req.Update.JoinRequest, req.Admin)
		return nil
	case kit.UpdateCallback:
		return r.routeCallback(ctx, req)
	case kit.UpdateMessage:
		return r.routeMessage(ctx, req)
	}
	return nil
}

func (r *Router) routeCallback(ctx context.Context, req *Request) error {
	cb := req.Update.Callback
	switch cb.Data {
	case onboarding.CallbackCheckSubscription:
		// answered inside the handler (alert on failure)
		r.flow.HandleCheckSubscription(ctx, *cb)
		return nil
	case onboarding.CallbackSetupYes:
		r.flow.HandleSetupYes(ctx, *cb)
	case onboarding.CallbackSetupNo:
		r.flow.HandleSetupNo(ctx, *cb)
	default:
		r.log.Debug("unknown callback", slog.String("data", cb.Data))
	}
	// best-effort ack so the client spinner stops
	_ = r.adapter.AnswerCallback(ctx, cb.ID, "", false)
	return nil
}

func (r *Router) routeMessage(ctx context.Context, req *Request) error {
	m := req.Update.Message
	if !m.Private {
		return nil
	}

	switch req.Command {
	case "":
		r.flow.HandleDirectMessage(ctx, onboarding.Contact{ID: m.FromID, FirstName: m.FirstName})
		return nil
	case "start":
		r.flow.HandleStart(ctx, onboarding.Contact{ID: m.FromID, FirstName: m.FirstName}, req.Admin)
		return nil
	case "help":
		return r.cmdHelp(ctx, req)
	case "users":
		return r.adminOnly(ctx, req, r.cmdUsers)
	case "reset":
		return r.adminOnly(ctx, req, r.cmdReset)
	case "bcast":
		return r.adminOnly(ctx, req, r.cmdBroadcast(broadcast.ModeCopy))
	case "fcast":
		return r.adminOnly(ctx, req, r.cmdBroadcast(broadcast.ModeForward))
	case "pending":
		return r.adminOnly(ctx, req, r.cmdPending)
	case "approveall":
		return r.adminOnly(ctx, req, r.cmdApproveAll)
	default:
		// unknown commands fall into the funnel like plain text
		r.flow.HandleDirectMessage(ctx, onboarding.Contact{ID: m.FromID, FirstName: m.FirstName})
		return nil
	}
}

func (r *Router) adminOnly(ctx context.Context, req *Request, fn HandlerFunc) error {
	if !req.Admin {
		r.reply(ctx, req, "Unauthorized.")
		return nil
	}
	return fn(ctx, req)
}

func (r *Router) reply(ctx context.Context, req *Request, text string) {
	if _, err := r.adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		req.Logger.Warn("reply failed", slog.Any("err", err))
	}
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("/start - begin or resume setup\n")
	b.WriteString("/help - this message\n")
	if req.Admin {
		b.WriteString("\nOperator commands:\n")
		b.WriteString("/users - contact and group counts\n")
		b.WriteString("/reset [id] - restart a contact's funnel\n")
		b.WriteString("/bcast - broadcast replied-to message (copy)\n")
		b.WriteString("/fcast - broadcast replied-to message (forward)\n")
		b.WriteString("/pending - pending join requests per chat\n")
		b.WriteString("/approveall <chat_id> - approve recorded pending joins\n")
	}
	r.reply(ctx, req, b.String())
	return nil
}

func (r *Router) cmdUsers(ctx context.Context, req *Request) error {
	contacts, err := r.store.CountContacts(ctx)
	if err != nil {
		return fmt.Errorf("count contacts: %w", err)
	}
	groups, err := r.store.CountGroups(ctx)
	if err != nil {
		return fmt.Errorf("count groups: %w", err)
	}
	r.reply(ctx, req, fmt.Sprintf("Contacts: %d\nGroups: %d\nTotal: %d", contacts, groups, contacts+groups))
	return nil
}

func (r *Router) cmdReset(ctx context.Context, req *Request) error {
	target := req.FromID
	if len(req.Args) > 0 {
		id, err := strconv.ParseInt(req.Args[0], 10, 64)
		if err != nil {
			r.reply(ctx, req, "Usage: /reset [contact_id]")
			return nil
		}
		target = id
	}
	if err := r.flow.Reset(ctx, target); err != nil {
		r.reply(ctx, req, fmt.Sprintf("Reset failed: %v", err))
		return nil
	}
	r.reply(ctx, req, fmt.Sprintf("Funnel reset for %d.", target))
	return nil
}

func (r *Router) cmdBroadcast(mode broadcast.Mode) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		m := req.Update.Message
		if m.ReplyTo == nil {
			r.reply(ctx, req, "Reply to the message you want to send out, then use the command again.")
			return nil
		}
		src := *m.ReplyTo
		status := req.Chat

		// long-running; release the worker and let the job outlive the
		// request timeout (but not app shutdown)
		r.mu.Lock()
		jctx := r.rootCtx
		r.mu.Unlock()
		if jctx == nil {
			jctx = context.WithoutCancel(ctx)
		}
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("panic in broadcast job", slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
				}
			}()
			if _, err := r.bcast.Run(jctx, mode, src, status); err != nil {
				if errors.Is(err, broadcast.ErrBusy) {
					r.reply(jctx, req, "A broadcast is already running. Try again when it finishes.")
					return
				}
				r.reply(jctx, req, fmt.Sprintf("Broadcast failed: %v", err))
			}
		}()
		return nil
	}
}

func (r *Router) cmdPending(ctx context.Context, req *Request) error {
	chatIDs, err := r.pendingChatIDs(ctx)
	if err != nil {
		return fmt.Errorf("list pending joins: %w", err)
	}
	if len(chatIDs) == 0 {
		r.reply(ctx, req, "No pending join requests recorded.")
		return nil
	}

	var b strings.Builder
	b.WriteString("Pending join requests:\n")
	for _, chatID := range chatIDs {
		pending, err := r.store.PendingJoins(ctx, chatID)
		if err != nil {
			return fmt.Errorf("list pending joins for %d: %w", chatID, err)
		}
		fmt.Fprintf(&b, "\nChat %d (%d):\n", chatID, len(pending))
		for _, p := range pending {
			fmt.Fprintf(&b, "- %s (%d)\n", p.FirstName, p.UserID)
		}
	}
	b.WriteString("\nUse /approveall <chat_id> to approve.")
	r.reply(ctx, req, b.String())
	return nil
}

func (r *Router) cmdApproveAll(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		r.reply(ctx, req, "Usage: /approveall <chat_id>")
		return nil
	}
	chatID, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil {
		r.reply(ctx, req, "Usage: /approveall <chat_id>")
		return nil
	}

	pending, err := r.store.PendingJoins(ctx, chatID)
	if err != nil {
		return fmt.Errorf("list pending joins: %w", err)
	}
	if len(pending) == 0 {
		r.reply(ctx, req, "Nothing pending for that chat.")
		return nil
	}

	var approved, failed int
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		if !r.flow.Approve(ctx, p.ChatID, p.UserID) {
			failed++
			continue
		}
		approved++
		if err := r.store.DeletePendingJoin(ctx, p.ChatID, p.UserID); err != nil {
			req.Logger.Warn("delete pending join failed", slog.Int64("user_id", p.UserID), slog.Any("err", err))
		}
		if err := r.store.RecordContact(ctx, p.UserID); err != nil {
			req.Logger.Warn("record contact failed", slog.Int64("user_id", p.UserID), slog.Any("err", err))
		}
	}
	r.reply(ctx, req, fmt.Sprintf("Approved %d, failed %d of %d pending.", approved, failed, len(pending)))
	return nil
}

func (r *Router) pendingChatIDs(ctx context.Context) ([]int64, error) {
	// chat id 0 means "all chats" for the store's pending query
	pending, err := r.store.PendingJoins(ctx, 0)
	if err != nil {
		return nil, err
	}
	seen := map[int64]struct{}{}
	var ids []int64
	for _, p := range pending {
		if _, ok := seen[p.ChatID]; ok {
			continue
		}
		seen[p.ChatID] = struct{}{}
		ids = append(ids, p.ChatID)
	}
	return ids, nil
}
