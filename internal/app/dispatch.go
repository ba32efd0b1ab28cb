package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"clubkeeper/internal/health"
	"clubkeeper/internal/security"
	kit "clubkeeper/internal/transport"
	logx "clubkeeper/pkg/logx"
)

// dispatchLoop funnels every inbound update through the guard before any
// handler sees it. Blocked and rate-limited traffic dies here.
func (a *App) dispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			switch u.Kind {
			case kit.UpdateMessage:
				if u.Message != nil {
					a.handleMessage(ctx, u.Message)
				}
			case kit.UpdateCallback:
				if u.Callback != nil {
					a.handleCallback(ctx, u.Callback)
				}
			}
		}
	}
}

func (a *App) handleMessage(ctx context.Context, msg *kit.Message) {
	now := time.Now()

	if err := a.guard.CheckAndRecord(ctx, msg.FromID, security.ActionMessage, now); err != nil {
		switch {
		case errors.Is(err, security.ErrBlocked):
			a.reply(ctx, msg.ChatID, "You are currently blocked from using this bot.")
		case errors.Is(err, security.ErrRateLimited):
			a.reply(ctx, msg.ChatID, "Slow down. Try again in a minute.")
		default:
			a.log.Warn("guard check failed", logx.Int64("user_id", msg.FromID), logx.Err(err))
		}
		return
	}

	if err := a.guard.FlagSuspicious(ctx, msg.FromID, msg.Text, now); err != nil {
		a.reply(ctx, msg.ChatID, "Input rejected.")
		return
	}

	if strings.HasPrefix(msg.Text, "/") && a.guard.IsAdmin(msg.FromID) {
		a.handleAdminCommand(ctx, msg, now)
	}
}

func (a *App) handleCallback(ctx context.Context, cb *kit.Callback) {
	now := time.Now()

	if err := a.guard.CheckAndRecord(ctx, cb.FromID, security.ActionCallback, now); err != nil {
		switch {
		case errors.Is(err, security.ErrBlocked):
			_ = a.adapter.AnswerCallback(ctx, cb.ID, "You are currently blocked from using this bot.")
		case errors.Is(err, security.ErrRateLimited):
			_ = a.adapter.AnswerCallback(ctx, cb.ID, "Too many taps. Wait a minute.")
		}
		return
	}

	// Callback data carries its own HMAC: "<payload>|<hex sig>". Anything
	// unsigned did not come from this bot's keyboards.
	payload, sig := splitSignedData(cb.Data)
	if err := a.guard.CheckSignedPayload(ctx, cb.FromID, payload, sig, now); err != nil {
		_ = a.adapter.AnswerCallback(ctx, cb.ID, "Invalid request.")
		return
	}

	_ = a.adapter.AnswerCallback(ctx, cb.ID, "")
}

func splitSignedData(data string) (payload, sig string) {
	i := strings.LastIndexByte(data, '|')
	if i < 0 {
		return data, ""
	}
	return data[:i], data[i+1:]
}

func (a *App) handleAdminCommand(ctx context.Context, msg *kit.Message, now time.Time) {
	fields := strings.Fields(msg.Text)
	cmd, _, _ := strings.Cut(fields[0], "@")

	switch cmd {
	case "/block":
		a.cmdBlock(ctx, msg, fields[1:], now)
	case "/unblock":
		a.cmdUnblock(ctx, msg, fields[1:], now)
	case "/security_status":
		a.cmdSecurityStatus(ctx, msg, now)
	case "/jobs":
		a.cmdJobs(ctx, msg)
	case "/health":
		a.cmdHealth(ctx, msg, fields[1:])
	}
}

func (a *App) cmdBlock(ctx context.Context, msg *kit.Message, args []string, now time.Time) {
	if len(args) < 2 {
		a.reply(ctx, msg.ChatID, "Usage: /block <user_id> <days|permanent> [reason]")
		return
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		a.reply(ctx, msg.ChatID, "Invalid user id.")
		return
	}

	var duration time.Duration
	if !strings.EqualFold(args[1], "permanent") {
		days, err := strconv.Atoi(args[1])
		if err != nil || days <= 0 {
			a.reply(ctx, msg.ChatID, "Duration must be a positive day count or \"permanent\".")
			return
		}
		duration = time.Duration(days) * 24 * time.Hour
	}
	reason := "blocked by admin"
	if len(args) > 2 {
		reason = strings.Join(args[2:], " ")
	}

	if err := a.guard.AdminBlock(ctx, msg.FromID, userID, duration, reason, now); err != nil {
		a.reply(ctx, msg.ChatID, "Block failed: "+err.Error())
		return
	}
	if duration == 0 {
		a.reply(ctx, msg.ChatID, fmt.Sprintf("User %d blocked permanently.", userID))
	} else {
		a.reply(ctx, msg.ChatID, fmt.Sprintf("User %d blocked for %s.", userID, args[1]+"d"))
	}
}

func (a *App) cmdUnblock(ctx context.Context, msg *kit.Message, args []string, now time.Time) {
	if len(args) < 1 {
		a.reply(ctx, msg.ChatID, "Usage: /unblock <user_id>")
		return
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		a.reply(ctx, msg.ChatID, "Invalid user id.")
		return
	}
	if err := a.guard.AdminUnblock(ctx, msg.FromID, userID, now); err != nil {
		a.reply(ctx, msg.ChatID, "Unblock failed: "+err.Error())
		return
	}
	a.reply(ctx, msg.ChatID, fmt.Sprintf("User %d unblocked.", userID))
}

func (a *App) cmdSecurityStatus(ctx context.Context, msg *kit.Message, now time.Time) {
	st, err := a.guard.Status(ctx, now)
	if err != nil {
		a.reply(ctx, msg.ChatID, "Status unavailable: "+err.Error())
		return
	}
	a.reply(ctx, msg.ChatID, fmt.Sprintf(
		"Blocked users: %d\nSuspicious inputs (24h): %d\nRate-limit violations (24h): %d",
		st.BlockedUsers, st.Suspicious24h, st.RateLimited24h,
	))
}

func (a *App) cmdJobs(ctx context.Context, msg *kit.Message) {
	var b strings.Builder
	for _, st := range a.sched.Statuses() {
		last := "never"
		if !st.LastRun.IsZero() {
			last = fmt.Sprintf("%s (%s)", st.LastRun.Format("01-02 15:04"), st.LastStatus)
		}
		next := "unscheduled"
		if !st.Next.IsZero() {
			next = st.Next.Format("01-02 15:04")
		}
		fmt.Fprintf(&b, "%s [%s]\n  last: %s  next: %s\n", st.Name, st.Cadence, last, next)
	}
	if b.Len() == 0 {
		b.WriteString("No jobs registered.")
	}
	a.reply(ctx, msg.ChatID, b.String())
}

func (a *App) cmdHealth(ctx context.Context, msg *kit.Message, args []string) {
	level := health.LevelBasic
	if len(args) > 0 {
		l, err := health.ParseLevel(args[0])
		if err != nil {
			a.reply(ctx, msg.ChatID, err.Error())
			return
		}
		level = l
	}
	report, err := a.prober.Run(ctx, level)
	if err != nil {
		a.reply(ctx, msg.ChatID, "Probe failed: "+err.Error())
		return
	}
	a.reply(ctx, msg.ChatID, health.FormatReport(report))
}

func (a *App) reply(ctx context.Context, chatID int64, text string) {
	if _, err := a.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		a.log.Debug("reply not delivered", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}
