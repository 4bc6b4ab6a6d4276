package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mkim-dev/quizduel/internal/duel"
	"github.com/mkim-dev/quizduel/internal/lobby"
	"github.com/mkim-dev/quizduel/internal/match"
	"github.com/mkim-dev/quizduel/internal/notify"
	"github.com/mkim-dev/quizduel/internal/obslog"
)

// StatusEvent reports lobby/match progress for presentation layers.
type StatusEvent struct {
	Event notify.Event
	Match *duel.Match // canonical state at dispatch time; nil for lobby events
}

// QuestionEvent reports that a round is active and carries the canonical
// question for it.
type QuestionEvent struct {
	Match    *duel.Match
	Index    int
	Question duel.Question
}

// EndEvent reports that a match reached a terminal state.
type EndEvent struct {
	Match    *duel.Match
	WinnerID string
}

// Session is the per-player context object: identity, wired managers and the
// notification subscription. It replaces ambient globals; every coordinator
// operation goes through an explicit Session. Notifications are treated
// purely as invalidation signals — on every inbound event the session
// re-reads the canonical match state and dispatches from that read.
type Session struct {
	PlayerID   string
	PlayerName string

	lobby   *lobby.Manager
	matches *match.Manager
	bus     *notify.Bus
	feed    *notify.Feed

	mu         sync.RWMutex
	onStatus   func(StatusEvent)
	onQuestion func(QuestionEvent)
	onEnd      func(EndEvent)

	cancel context.CancelFunc
	wg     sync.WaitGroup
	events chan notify.Event

	// lastSeenIdx suppresses duplicate question dispatches when redundant
	// notifications arrive for the same round.
	lastSeen map[string]int
}

// New builds a session. A malformed player id is replaced with a freshly
// minted identity rather than failing.
func New(playerID, playerName string, lobbyMgr *lobby.Manager, matchMgr *match.Manager, bus *notify.Bus) *Session {
	id, healed := duel.EnsureIdentity(playerID)
	if healed {
		obslog.L().Warn("session_identity_healed", zap.String("player_id", id))
	}
	return &Session{
		PlayerID:   id,
		PlayerName: strings.TrimSpace(playerName),
		lobby:      lobbyMgr,
		matches:    matchMgr,
		bus:        bus,
		events:     make(chan notify.Event, 16),
		lastSeen:   make(map[string]int),
	}
}

// AttachFeed adds a websocket push feed as a second advisory event source.
func (s *Session) AttachFeed(f *notify.Feed) { s.feed = f }

// OnStatus registers the status callback.
func (s *Session) OnStatus(fn func(StatusEvent)) {
	s.mu.Lock()
	s.onStatus = fn
	s.mu.Unlock()
}

// OnQuestion registers the question callback.
func (s *Session) OnQuestion(fn func(QuestionEvent)) {
	s.mu.Lock()
	s.onQuestion = fn
	s.mu.Unlock()
}

// OnEnd registers the end-of-match callback.
func (s *Session) OnEnd(fn func(EndEvent)) {
	s.mu.Lock()
	s.onEnd = fn
	s.mu.Unlock()
}

// Events returns the merged raw notification stream. Advisory only.
func (s *Session) Events() <-chan notify.Event { return s.events }

// Start subscribes to the player's notification channels and begins
// dispatching. It returns immediately; Close tears everything down.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	sub, stop := s.bus.Subscribe(ctx, s.PlayerID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				s.handle(ctx, ev)
			}
		}
	}()

	if s.feed != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-s.feed.Events():
					if !ok {
						return
					}
					s.handle(ctx, ev)
				}
			}
		}()
	}
}

// Close cancels subscriptions and waits for dispatch to drain.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	close(s.events)
}

// handle forwards the raw event and dispatches callbacks from a fresh read
// of the store. The payload itself is never trusted beyond routing.
func (s *Session) handle(ctx context.Context, ev notify.Event) {
	select {
	case s.events <- ev:
	default:
	}

	s.mu.RLock()
	onStatus, onQuestion, onEnd := s.onStatus, s.onQuestion, s.onEnd
	s.mu.RUnlock()

	var g *duel.Match
	if ev.MatchID != "" {
		var err error
		g, err = s.matches.Get(ctx, ev.MatchID)
		if err != nil {
			obslog.L().Debug("session_refetch_error", zap.String("match_id", ev.MatchID), zap.Error(err))
			return
		}
	}

	if onStatus != nil {
		onStatus(StatusEvent{Event: ev, Match: g})
	}
	if g == nil {
		return
	}

	if !g.Status.Running() {
		if onEnd != nil && s.markSeen(g.ID, g.Rounds+1) {
			onEnd(EndEvent{Match: g, WinnerID: g.WinnerID})
		}
		return
	}
	if onQuestion != nil && g.CurrentIdx < len(g.Deck) && s.markSeen(g.ID, g.CurrentIdx) {
		onQuestion(QuestionEvent{Match: g, Index: g.CurrentIdx, Question: g.Deck[g.CurrentIdx]})
	}
}

// markSeen records the highest dispatched round per match and rejects
// duplicates, since notifications may be delivered more than once.
func (s *Session) markSeen(matchID string, idx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastSeen[matchID]; ok && idx <= last {
		return false
	}
	s.lastSeen[matchID] = idx
	return true
}

// CreateRequest opens a lobby request owned by this session.
func (s *Session) CreateRequest(ctx context.Context, rounds int, category, difficulty string) (*duel.MatchRequest, error) {
	return s.lobby.Create(ctx, s.PlayerID, s.PlayerName, rounds, category, difficulty)
}

// OpenRequests lists joinable requests, never including this session's own.
func (s *Session) OpenRequests(ctx context.Context, f lobby.Filters) ([]*duel.MatchRequest, error) {
	return s.lobby.ListOpen(ctx, s.PlayerID, f)
}

// CancelRequest withdraws one of this session's pending requests.
func (s *Session) CancelRequest(ctx context.Context, requestID string) error {
	return s.lobby.Cancel(ctx, requestID, s.PlayerID)
}

// Accept claims an open request for this session.
func (s *Session) Accept(ctx context.Context, requestID string) (*duel.Match, error) {
	return s.matches.Accept(ctx, requestID, s.PlayerID, s.PlayerName)
}

// SubmitAnswer records this session's answer for the given round.
func (s *Session) SubmitAnswer(ctx context.Context, matchID string, questionIndex, answerIndex int, timeSpent time.Duration) (*duel.Match, error) {
	return s.matches.SubmitAnswer(ctx, matchID, s.PlayerID, questionIndex, answerIndex, timeSpent)
}

// Forfeit abandons the match; the opponent wins by default.
func (s *Session) Forfeit(ctx context.Context, matchID string) (*duel.Match, error) {
	return s.matches.Forfeit(ctx, matchID, s.PlayerID)
}

// History returns this session's archived matches, newest first.
func (s *Session) History(ctx context.Context, limit int) ([]*duel.Match, error) {
	return s.matches.History(ctx, s.PlayerID, limit)
}

// ActiveMatch returns this session's most recent running match, or nil.
func (s *Session) ActiveMatch(ctx context.Context) (*duel.Match, error) {
	return s.matches.ActiveMatchByUser(ctx, s.PlayerID)
}
