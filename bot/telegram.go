// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Operator channel
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   🚨 Lifecycle alerts (lockdown, circuit breaker, execution failures)
//   📊 Premium signal notifications
//   📈 Trade closures & daily summaries
//   🎛️ Control commands (/status, /pause, /resume, /stats)
//
// Every notification method is nil-receiver safe, so a process running
// without a token wires the sinks unconditionally and sends nothing.
//
// ═══════════════════════════════════════════════════════════════════════════════

package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/aethelgard/aethelgard/connector"
	"github.com/aethelgard/aethelgard/events"
	"github.com/aethelgard/aethelgard/storage"
	"github.com/aethelgard/aethelgard/types"
)

const venueTimeout = 5 * time.Second

// Controller is the engine surface the bot drives.
type Controller interface {
	Pause()
	Resume()
	IsPaused() bool
	SessionStats() types.SessionStats
}

// Venue is the connector slice backing /status and /positions.
type Venue interface {
	GetAccountBalance(ctx context.Context) (decimal.Decimal, error)
	GetOpenPositions(ctx context.Context) ([]connector.BrokerPosition, error)
}

// Guard reports the lockdown flag for /status.
type Guard interface {
	IsLocked() bool
}

// TelegramBot manages the operator's Telegram interface.
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	store  *storage.Store
	engine Controller
	venue  Venue
	guard  Guard

	sent int
}

// New connects to the Telegram API. An empty token or chat id is an error;
// the caller treats it as "channel disabled" and carries a nil bot.
func New(token string, chatID int64, store *storage.Store, engine Controller, venue Venue, guard Guard) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token not set")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram chat id not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}

	b := &TelegramBot{
		api:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
		store:  store,
		engine: engine,
		venue:  venue,
		guard:  guard,
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return b, nil
}

// AttachHub subscribes the bot to the operator-facing event stream.
func (b *TelegramBot) AttachHub(hub *events.Hub) {
	if b == nil || hub == nil {
		return
	}
	hub.Subscribe(events.TypeLockdownChanged, func(ev events.Event) {
		b.NotifyLockdown(ev.Data.GetBool("locked"), ev.Data.GetString("reason"))
	})
	hub.Subscribe(events.TypeTradeClosed, func(ev events.Event) {
		pnl, _ := decimal.NewFromString(ev.Data.GetString("profit_loss"))
		b.notifyClosure(ev.Data.GetString("symbol"), pnl, ev.Data.GetBool("is_win"), ev.Data.GetString("exit_reason"))
	})
	hub.Subscribe(events.TypeCoherenceAlert, func(ev events.Event) {
		b.Notify("🔍 Coherence alert", fmt.Sprintf("%s: %s", ev.Data.GetString("stage"), ev.Data.GetString("reason")))
	})
}

// Start begins the command loop and the daily summary schedule.
func (b *TelegramBot) Start() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	go b.summaryLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop ends the command loop.
func (b *TelegramBot) Stop() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	b.api.StopReceivingUpdates()
	log.Info().Msg("Telegram bot stopped")
}

// GetStats reports channel counters.
func (b *TelegramBot) GetStats() map[string]interface{} {
	if b == nil {
		return map[string]interface{}{"running": false}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return map[string]interface{}{
		"running":       b.running,
		"messages_sent": b.sent,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Notify delivers a generic operator alert. The subject carries the caller's
// emoji (governor vetoes, sizing breaker, execution failures).
func (b *TelegramBot) Notify(subject, detail string) {
	if b == nil {
		return
	}
	b.sendMarkdown(fmt.Sprintf("*%s*\n\n%s", subject, detail))
}

// NotifySignal announces a persisted signal. Only premium and VIP tiers reach
// the channel; the factory filters before calling.
func (b *TelegramBot) NotifySignal(sig *types.Signal, tier types.NotificationTier) {
	if b == nil {
		return
	}

	emoji := "🟢"
	if sig.Type == types.SignalSell {
		emoji = "🔴"
	}

	msg := fmt.Sprintf(`%s *%s SIGNAL*

📊 *%s* — %s %s
━━━━━━━━━━━━━━━━
💵 Entry: *%s*
🎯 TP: *%s*
🛑 SL: *%s*
📈 Score: *%.0f*
━━━━━━━━━━━━━━━━
📝 %s`,
		emoji, tier,
		sig.Symbol, sig.Type, sig.Timeframe,
		sig.EntryPrice.String(),
		sig.TakeProfit.String(),
		sig.StopLoss.String(),
		sig.Score(),
		sig.Metadata.GetString("reason"),
	)

	b.sendMarkdown(msg)
}

// NotifyLockdown announces a lockdown transition.
func (b *TelegramBot) NotifyLockdown(locked bool, reason string) {
	if b == nil {
		return
	}

	if locked {
		b.sendMarkdown(fmt.Sprintf(`🚨 *LOCKDOWN ENGAGED*
━━━━━━━━━━━━━━━━━━━━

🛑 %s

New trades are blocked until a win, a rest period
or a capital recovery releases the lock.`, reason))
		return
	}

	b.sendMarkdown(fmt.Sprintf(`✅ *LOCKDOWN RELEASED*

▶️ %s — trading resumes.`, reason))
}

// NotifyStartup announces the process coming online.
func (b *TelegramBot) NotifyStartup(mode string) {
	if b == nil {
		return
	}

	msg := fmt.Sprintf(`🚀 *AETHELGARD ONLINE*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
💰 Balance: *%s*

Use /help for commands`, mode, b.balance())

	b.sendMarkdown(msg)
}

// NotifyDailySummary reports the closed trades of the last 24 hours.
func (b *TelegramBot) NotifyDailySummary() {
	if b == nil || b.store == nil {
		return
	}

	trades := b.store.GetTradesSince(time.Now().UTC().Add(-24 * time.Hour))
	wins, pnl := 0, decimal.Zero
	for _, tr := range trades {
		if tr.IsWin {
			wins++
		}
		pnl = pnl.Add(tr.ProfitLoss)
	}

	winRate := float64(0)
	if len(trades) > 0 {
		winRate = float64(wins) / float64(len(trades)) * 100
	}

	emoji, sign := "📈", "+"
	if pnl.IsNegative() {
		emoji, sign = "📉", ""
	}

	msg := fmt.Sprintf(`%s *DAILY SUMMARY*
━━━━━━━━━━━━━━━━━━━━

📊 Trades: *%d*
✅ Wins: *%d*
❌ Losses: *%d*
📈 Win Rate: *%.1f%%*

━━━━━━━━━━━━━━━━━━━━
💵 P&L: *%s$%s*
💰 Balance: *%s*`,
		emoji,
		len(trades), wins, len(trades)-wins, winRate,
		sign, pnl.StringFixed(2),
		b.balance(),
	)

	b.sendMarkdown(msg)
}

// notifyClosure announces one settled trade.
func (b *TelegramBot) notifyClosure(symbol string, pnl decimal.Decimal, isWin bool, exitReason string) {
	if b == nil {
		return
	}

	emoji, sign := "📈", "+"
	if !isWin {
		emoji = "📉"
	}
	if pnl.IsNegative() {
		sign = ""
	}

	msg := fmt.Sprintf(`%s *TRADE CLOSED*

📊 %s — %s
💵 P&L: *%s$%s*`,
		emoji, symbol, exitReason,
		sign, pnl.StringFixed(2),
	)

	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only the authorized chat may drive the bot.
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message)
		}
	}
}

// summaryLoop fires the daily summary at each UTC midnight.
func (b *TelegramBot) summaryLoop() {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		select {
		case <-b.stopCh:
			return
		case <-time.After(next.Sub(now)):
			b.NotifyDailySummary()
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	switch strings.ToLower(msg.Command()) {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "stats":
		b.cmdStats()
	case "trades":
		b.cmdTrades()
	case "positions":
		b.cmdPositions()
	case "pause":
		b.cmdPause()
	case "resume":
		b.cmdResume()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	b.sendMarkdown(`🤖 *AETHELGARD COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Engine status
📈 /stats — Session statistics
📜 /trades — Last 10 closed trades
💼 /positions — Open positions
⏸️ /pause — Pause the loop
▶️ /resume — Resume the loop
🏓 /ping — Test connection`)
}

func (b *TelegramBot) cmdStatus() {
	state := "🟢 RUNNING"
	if b.engine != nil && b.engine.IsPaused() {
		state = "⏸️ PAUSED"
	}

	lockdown := "off"
	if b.guard != nil && b.guard.IsLocked() {
		lockdown = "🚨 ENGAGED"
	}

	var stats types.SessionStats
	if b.engine != nil {
		stats = b.engine.SessionStats()
	}

	msg := fmt.Sprintf(`📊 *ENGINE STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
💰 Balance: *%s*
🛡️ Lockdown: *%s*

🔄 Cycles: *%d*
⚡ Executed today: *%d*`,
		state, b.balance(), lockdown,
		stats.CyclesCompleted, stats.SignalsExecuted,
	)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStats() {
	if b.store == nil {
		b.send("❌ Stats not available")
		return
	}

	midnight, _ := time.Parse("2006-01-02", time.Now().UTC().Format("2006-01-02"))
	trades := b.store.GetTradesSince(midnight)

	wins, pnl, pips := 0, decimal.Zero, decimal.Zero
	for _, tr := range trades {
		if tr.IsWin {
			wins++
		}
		pnl = pnl.Add(tr.ProfitLoss)
		pips = pips.Add(tr.Pips)
	}

	winRate := float64(0)
	if len(trades) > 0 {
		winRate = float64(wins) / float64(len(trades)) * 100
	}

	sign := "+"
	if pnl.IsNegative() {
		sign = ""
	}

	var session types.SessionStats
	if b.engine != nil {
		session = b.engine.SessionStats()
	}

	msg := fmt.Sprintf(`📈 *SESSION STATS* — %s
━━━━━━━━━━━━━━━━━━━━

📊 Signals processed: *%d*
⚡ Executed: *%d*
🔄 Cycles: *%d*

━━━━━━━━━━━━━━━━━━━━
💼 Closed trades: *%d*
✅ Wins: *%d* (%.1f%%)
💵 P&L: *%s$%s* (%s pips)`,
		session.Date,
		session.SignalsProcessed, session.SignalsExecuted, session.CyclesCompleted,
		len(trades), wins, winRate,
		sign, pnl.StringFixed(2), pips.StringFixed(1),
	)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdTrades() {
	if b.store == nil {
		b.send("❌ Trades not available")
		return
	}

	trades := b.store.GetRecentTrades(10)
	if len(trades) == 0 {
		b.send("📭 No trade history yet")
		return
	}

	msg := "📜 *LAST TRADES*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for _, tr := range trades {
		emoji, sign := "📈", "+"
		if !tr.IsWin {
			emoji = "📉"
		}
		if tr.ProfitLoss.IsNegative() {
			sign = ""
		}
		msg += fmt.Sprintf("%s %s %s$%s (%s) _%s_\n",
			emoji, tr.Symbol,
			sign, tr.ProfitLoss.StringFixed(2),
			tr.ExitReason,
			tr.ClosedAt.Format("Jan 2 15:04"),
		)
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdPositions() {
	if b.venue == nil {
		b.send("❌ Positions not available")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), venueTimeout)
	defer cancel()

	positions, err := b.venue.GetOpenPositions(ctx)
	if err != nil {
		b.send("❌ Failed to fetch positions")
		return
	}
	if len(positions) == 0 {
		b.send("📭 No open positions")
		return
	}

	msg := "💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for i, pos := range positions {
		emoji := "🟢"
		if pos.Type == types.SignalSell {
			emoji = "🔴"
		}

		msg += fmt.Sprintf(`%s *%s* — %s %s lots
💵 Entry: %s | P&L: %s
🎯 TP: %s | 🛑 SL: %s
⏱️ %v

`,
			emoji, pos.Symbol, pos.Type, pos.Volume.String(),
			pos.PriceOpen.String(), pos.Profit.StringFixed(2),
			pos.TakeProfit.String(), pos.StopLoss.String(),
			time.Since(pos.OpenAt).Round(time.Second),
		)

		if i >= 4 {
			msg += fmt.Sprintf("_... and %d more_", len(positions)-5)
			break
		}
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdPause() {
	if b.engine != nil {
		b.engine.Pause()
	}
	b.send("⏸️ Trading paused")
	log.Info().Msg("Trading paused via Telegram")
}

func (b *TelegramBot) cmdResume() {
	if b.engine != nil {
		b.engine.Resume()
	}
	b.send("▶️ Trading resumed")
	log.Info().Msg("Trading resumed via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) balance() string {
	if b.venue == nil {
		return "n/a"
	}
	ctx, cancel := context.WithTimeout(context.Background(), venueTimeout)
	defer cancel()

	bal, err := b.venue.GetAccountBalance(ctx)
	if err != nil {
		return "n/a"
	}
	return "$" + bal.StringFixed(2)
}

func (b *TelegramBot) send(text string) {
	b.deliver(tgbotapi.NewMessage(b.chatID, text))
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	b.deliver(msg)
}

func (b *TelegramBot) deliver(msg tgbotapi.MessageConfig) {
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
		return
	}
	b.mu.Lock()
	b.sent++
	b.mu.Unlock()
}
