// Package api exposes the HTTP and websocket surface of the service
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/stitts-dev/links-live/internal/api/middleware"
	"github.com/stitts-dev/links-live/internal/api/ws"
	"github.com/stitts-dev/links-live/internal/live"
	"github.com/stitts-dev/links-live/internal/models"
	"github.com/stitts-dev/links-live/internal/services"
	"github.com/stitts-dev/links-live/internal/store"
	"github.com/stitts-dev/links-live/pkg/utils"
)

const defaultMessageLimit = 50

// Handler serves the read endpoints over the document store, with the
// cache in front of the hot paths
type Handler struct {
	store     store.Store
	cache     *services.CacheService
	refresher *services.Refresher
	hub       *ws.Hub
	registry  *ws.Registry
	logger    *logrus.Entry

	historyLimit int
	window       int
}

// NewHandler wires the read API
func NewHandler(
	st store.Store,
	cache *services.CacheService,
	refresher *services.Refresher,
	hub *ws.Hub,
	registry *ws.Registry,
	engCfg ws.EngineConfig,
	logger *logrus.Logger,
) *Handler {
	return &Handler{
		store:        st,
		cache:        cache,
		refresher:    refresher,
		hub:          hub,
		registry:     registry,
		logger:       logger.WithField("component", "api"),
		historyLimit: engCfg.Chat.HistoryLimit,
		window:       engCfg.Tracker.WindowSize,
	}
}

// GetRound returns one round document. Completed rounds are immutable,
// so those are served through the cache.
func (h *Handler) GetRound(c *gin.Context) {
	roundID := c.Param("id")
	ctx := c.Request.Context()

	var cached models.Round
	if hit, err := h.cache.Get(ctx, services.RoundKey(roundID), &cached); err == nil && hit {
		utils.SendSuccessWithMeta(c, http.StatusOK, cached, &utils.Meta{Cached: true})
		return
	}

	doc, err := h.store.GetDocument(ctx, store.CollectionRounds, roundID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.SendNotFound(c, "Round not found")
			return
		}
		h.logger.WithField("round_id", roundID).WithError(err).Error("failed to load round")
		utils.SendInternalError(c, "Failed to load round")
		return
	}

	var round models.Round
	if err := doc.Decode(&round); err != nil {
		h.logger.WithField("round_id", roundID).WithError(err).Error("failed to decode round")
		utils.SendInternalError(c, "Failed to load round")
		return
	}
	if round.ID == "" {
		round.ID = doc.ID
	}

	if round.Status == models.RoundStatusCompleted {
		if err := h.cache.Set(ctx, services.RoundKey(roundID), round); err != nil {
			h.logger.WithError(err).Debug("failed to cache round")
		}
	}
	utils.SendSuccess(c, http.StatusOK, round)
}

// GetLeaderboard builds the standings for a round, serving from cache
// when a fresh copy is there
func (h *Handler) GetLeaderboard(c *gin.Context) {
	roundID := c.Param("id")
	ctx := c.Request.Context()

	var cached []models.LeaderboardEntry
	if hit, err := h.cache.Get(ctx, services.LeaderboardKey(roundID), &cached); err == nil && hit {
		utils.SendSuccessWithMeta(c, http.StatusOK, cached, &utils.Meta{Count: len(cached), Cached: true})
		return
	}

	doc, err := h.store.GetDocument(ctx, store.CollectionRounds, roundID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.SendNotFound(c, "Round not found")
			return
		}
		h.logger.WithField("round_id", roundID).WithError(err).Error("failed to load round")
		utils.SendInternalError(c, "Failed to build leaderboard")
		return
	}

	var round models.Round
	if err := doc.Decode(&round); err != nil {
		h.logger.WithField("round_id", roundID).WithError(err).Error("failed to decode round")
		utils.SendInternalError(c, "Failed to build leaderboard")
		return
	}

	entries := live.BuildLeaderboard(round.Players, round.LiveScores, round.FormatID)
	if err := h.cache.Set(ctx, services.LeaderboardKey(roundID), entries); err != nil {
		h.logger.WithField("round_id", roundID).WithError(err).Debug("leaderboard cache write failed")
	}
	utils.SendSuccessWithMeta(c, http.StatusOK, entries, &utils.Meta{Count: len(entries)})
}

// ListMessages returns a round's chat messages oldest first
func (h *Handler) ListMessages(c *gin.Context) {
	roundID := c.Param("id")

	limit := defaultMessageLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			utils.SendBadRequest(c, "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}
	if limit > h.historyLimit {
		limit = h.historyLimit
	}

	docs, err := h.store.RunQuery(c.Request.Context(), store.Query{
		Collection: store.CollectionMessages,
		Filters: []store.Filter{
			{Field: "roundId", Op: store.OpEqual, Value: roundID},
		},
		OrderBy:    "createdAt",
		Descending: true,
		Limit:      limit,
	})
	if err != nil {
		h.logger.WithField("round_id", roundID).WithError(err).Error("failed to load messages")
		utils.SendInternalError(c, "Failed to load messages")
		return
	}

	// newest-first window, flipped to chronological for display
	messages := make([]models.ChatMessage, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		var msg models.ChatMessage
		if err := docs[i].Decode(&msg); err != nil {
			h.logger.WithField("round_id", roundID).WithError(err).Warn("skipping undecodable message")
			continue
		}
		if msg.ID == "" {
			msg.ID = docs[i].ID
		}
		messages = append(messages, msg)
	}
	utils.SendSuccessWithMeta(c, http.StatusOK, messages, &utils.Meta{Count: len(messages)})
}

// GetActiveRound reports whether a player is in one of the recent live
// rounds, and which one. Callers may only check themselves.
func (h *Handler) GetActiveRound(c *gin.Context) {
	playerID := c.Param("id")
	if user, ok := middleware.CurrentUser(c); !ok || user.ID != playerID {
		utils.SendError(c, http.StatusForbidden, "FORBIDDEN", "You can only check your own active round", nil)
		return
	}
	ctx := c.Request.Context()

	var rounds []models.Round
	hit, err := h.cache.Get(ctx, services.LiveWindowKey(), &rounds)
	if err != nil || !hit {
		docs, err := h.store.RunQuery(ctx, live.LiveWindowQuery(h.window))
		if err != nil {
			h.logger.WithField("player_id", playerID).WithError(err).Error("live window query failed")
			utils.SendUnavailable(c, "Unable to check active rounds")
			return
		}
		rounds = make([]models.Round, 0, len(docs))
		for _, doc := range docs {
			var r models.Round
			if err := doc.Decode(&r); err != nil {
				continue
			}
			if r.ID == "" {
				r.ID = doc.ID
			}
			rounds = append(rounds, r)
		}
	}

	for _, r := range rounds {
		if !r.IsLive() || !r.HasPlayer(playerID) {
			continue
		}
		hole := r.CurrentHole
		if hole < 1 {
			hole = 1
		}
		utils.SendSuccess(c, http.StatusOK, gin.H{
			"active": true,
			"round": models.ActiveRoundSummary{
				RoundID:     r.ID,
				CourseName:  r.CourseName,
				PlayerCount: len(r.Players),
				CurrentHole: hole,
				FormatID:    r.FormatID,
			},
		})
		return
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"active": false})
}

// ServeWS upgrades to the realtime channel, passing identity through when
// the client presented a token
func (h *Handler) ServeWS(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	h.hub.ServeWS(c.Writer, c.Request, user)
}

// Health reports service, store and cache reachability
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	healthy := true
	report := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"clients":   h.hub.ClientCount(),
		"topics":    h.registry.TopicCount(),
	}

	if pinger, ok := h.store.(interface{ Ping(context.Context) error }); ok {
		if err := pinger.Ping(ctx); err != nil {
			healthy = false
			report["store"] = "unreachable"
		} else {
			report["store"] = "ok"
		}
	}
	if h.cache.Enabled() {
		if err := h.cache.Ping(ctx); err != nil {
			report["cache"] = "unreachable"
		} else {
			report["cache"] = "ok"
		}
	}
	if h.refresher != nil {
		report["jobs"] = h.refresher.Status()
	}

	status := http.StatusOK
	if !healthy {
		report["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
