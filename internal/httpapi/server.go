// Package httpapi exposes the table engine over HTTP. The transport is
// deliberately thin: every game rule lives in the engine, the handlers
// only translate requests and map domain errors to status codes.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tavernhall/tablecore/internal/engine"
	"github.com/tavernhall/tablecore/internal/lockmgr"
	"github.com/tavernhall/tablecore/internal/stats"
	"github.com/tavernhall/tablecore/pkg/gamecore"
)

// Config holds the HTTP listener settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
}

// Server wires the engine behind a gin router.
type Server struct {
	engine   *engine.Engine
	locks    *lockmgr.Manager
	recorder *stats.Recorder
	redis    *redis.Client
	db       *gorm.DB
	logger   *zap.Logger
	cfg      Config
}

// NewServer wires a Server. The recorder may be nil when hand history
// is disabled.
func NewServer(tableEngine *engine.Engine, locks *lockmgr.Manager, recorder *stats.Recorder, redisClient *redis.Client, db *gorm.DB, logger *zap.Logger, cfg Config) (*Server, error) {
	if tableEngine == nil {
		return nil, gamecore.ErrInvalidServiceConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:   tableEngine,
		locks:    locks,
		recorder: recorder,
		redis:    redisClient,
		db:       db,
		logger:   logger.Named("httpapi"),
		cfg:      cfg,
	}, nil
}

// Run serves until the context is cancelled, then drains.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: server.cfg.AllowedOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Content-Type", "Origin", "Accept"},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", server.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.GET("/tables/:chat_id", server.handleSnapshot)
	api.POST("/tables/:chat_id/join", server.handleJoin)
	api.POST("/tables/:chat_id/leave", server.handleLeave)
	api.POST("/tables/:chat_id/ready", server.handleReadyFlag)
	api.POST("/tables/:chat_id/start", server.handleStart)
	api.POST("/tables/:chat_id/actions", server.handleAction)
	api.POST("/tables/:chat_id/progress", server.handleProgress)
	api.POST("/tables/:chat_id/cancel", server.handleCancel)
	api.POST("/tables/:chat_id/reset", server.handleEmergencyReset)
	api.POST("/tables/:chat_id/tick", server.handleTick)
	api.GET("/tables/:chat_id/leaderboard", server.handleLeaderboard)
	api.GET("/deadlocks", server.handleDeadlocks)

	return router
}

func (server *Server) handleReady(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	if server.redis != nil {
		if err := server.redis.Ping(requestCtx).Err(); err != nil {
			ctx.JSON(http.StatusServiceUnavailable, errorResponse("redis_unavailable", err.Error()))
			return
		}
	}
	if server.db != nil {
		sqlDB, err := server.db.DB()
		if err == nil {
			err = sqlDB.PingContext(requestCtx)
		}
		if err != nil {
			ctx.JSON(http.StatusServiceUnavailable, errorResponse("database_unavailable", err.Error()))
			return
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ready"})
}

type joinRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Name   string `json:"name" binding:"required"`
}

func (server *Server) handleJoin(ctx *gin.Context) {
	chatID, valid := chatIDParam(ctx)
	if !valid {
		return
	}
	var request joinRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	if err := server.engine.Join(ctx.Request.Context(), chatID, request.UserID, request.Name); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "joined"})
}

type userRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

func (server *Server) handleLeave(ctx *gin.Context) {
	chatID, valid := chatIDParam(ctx)
	if !valid {
		return
	}
	var request userRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	if err := server.engine.Leave(ctx.Request.Context(), chatID, request.UserID); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "left"})
}

type readyRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
	Ready  *bool `json:"ready" binding:"required"`
}

func (server *Server) handleReadyFlag(ctx *gin.Context) {
	chatID, valid := chatIDParam(ctx)
	if !valid {
		return
	}
	var request readyRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	readyCount, err := server.engine.SetReady(ctx.Request.Context(), chatID, request.UserID, *request.Ready)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ready_count": readyCount})
}

func (server *Server) handleStart(ctx *gin.Context) {
	chatID, valid := chatIDParam(ctx)
	if !valid {
		return
	}
	if err := server.engine.StartHand(ctx.Request.Context(), chatID); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "started"})
}

type actionRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Action string `json:"action" binding:"required"`
	Amount int64  `json:"amount"`
}

func (server *Server) handleAction(ctx *gin.Context) {
	chatID, valid := chatIDParam(ctx)
	if !valid {
		return
	}
	var request actionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	result, err := server.engine.HandleAction(ctx.Request.Context(), chatID, request.UserID, engine.Action(request.Action), request.Amount)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"action":         result.Action,
		"posted":         result.Posted,
		"pot":            result.Pot,
		"stage":          result.Stage,
		"round_resolved": result.RoundResolved,
		"turn_user_id":   result.TurnUserID,
	})
}

func (server *Server) handleProgress(ctx *gin.Context) {
	chatID, valid := chatIDParam(ctx)
	if !valid {
		return
	}
	outcome, err := server.engine.ProgressStage(ctx.Request.Context(), chatID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"outcome": outcome.Kind,
		"stage":   outcome.Stage,
		"reason":  outcome.Reason,
	})
}

func (server *Server) handleCancel(ctx *gin.Context) {
	chatID, valid := chatIDParam(ctx)
	if !valid {
		return
	}
	if err := server.engine.CancelHand(ctx.Request.Context(), chatID, engine.ReasonCancelled); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (server *Server) handleEmergencyReset(ctx *gin.Context) {
	chatID, valid := chatIDParam(ctx)
	if !valid {
		return
	}
	if err := server.engine.EmergencyReset(ctx.Request.Context(), chatID); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (server *Server) handleTick(ctx *gin.Context) {
	chatID, valid := chatIDParam(ctx)
	if !valid {
		return
	}
	result, err := server.engine.Tick(ctx.Request.Context(), chatID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"expired":        result.Expired,
		"folded_user_id": result.FoldedUserID,
		"round_resolved": result.RoundResolved,
	})
}

func (server *Server) handleSnapshot(ctx *gin.Context) {
	chatID, valid := chatIDParam(ctx)
	if !valid {
		return
	}
	session, err := server.engine.Snapshot(ctx.Request.Context(), chatID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	// Hole cards and the deck are private; the public snapshot omits
	// them.
	ctx.JSON(http.StatusOK, publicSnapshot(session))
}

func (server *Server) handleLeaderboard(ctx *gin.Context) {
	chatID, valid := chatIDParam(ctx)
	if !valid {
		return
	}
	if server.recorder == nil {
		ctx.JSON(http.StatusNotFound, errorResponse("stats_disabled", "hand history is not recorded"))
		return
	}
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "10"))
	summaries, err := server.recorder.TopWinners(ctx.Request.Context(), chatID, limit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"leaderboard": summaries})
}

func (server *Server) handleDeadlocks(ctx *gin.Context) {
	if server.locks == nil {
		ctx.JSON(http.StatusNotFound, errorResponse("locks_unavailable", "lock manager not wired"))
		return
	}
	ctx.JSON(http.StatusOK, server.locks.DetectDeadlock())
}

func chatIDParam(ctx *gin.Context) (int64, bool) {
	chatID, err := strconv.ParseInt(ctx.Param("chat_id"), 10, 64)
	if err != nil || chatID == 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_chat_id", "chat_id must be a non-zero integer"))
		return 0, false
	}
	return chatID, true
}

// respondError maps domain sentinels to HTTP status codes.
func (server *Server) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, gamecore.ErrKeyNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case errors.Is(err, gamecore.ErrPlayerNotSeated):
		ctx.JSON(http.StatusNotFound, errorResponse("player_not_seated", err.Error()))
	case errors.Is(err, gamecore.ErrTableFull):
		ctx.JSON(http.StatusConflict, errorResponse("table_full", err.Error()))
	case errors.Is(err, gamecore.ErrAlreadyInProgress):
		ctx.JSON(http.StatusConflict, errorResponse("hand_in_progress", err.Error()))
	case errors.Is(err, gamecore.ErrQuorumNotMet):
		ctx.JSON(http.StatusPreconditionFailed, errorResponse("quorum_not_met", err.Error()))
	case errors.Is(err, gamecore.ErrRoundNotResolved):
		ctx.JSON(http.StatusPreconditionFailed, errorResponse("round_not_resolved", err.Error()))
	case errors.Is(err, gamecore.ErrNotPlayersTurn):
		ctx.JSON(http.StatusConflict, errorResponse("not_your_turn", err.Error()))
	case errors.Is(err, gamecore.ErrInsufficientFunds):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_funds", err.Error()))
	case errors.Is(err, gamecore.ErrInvalidAmount), errors.Is(err, gamecore.ErrValidationFailed):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_action", err.Error()))
	case errors.Is(err, gamecore.ErrVersionConflict), errors.Is(err, gamecore.ErrBusy):
		ctx.JSON(http.StatusConflict, errorResponse("conflict_retry", err.Error()))
	case errors.Is(err, gamecore.ErrLockTimeout):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("lock_timeout", err.Error()))
	default:
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "unexpected failure"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type publicPlayer struct {
	UserID     int64  `json:"user_id"`
	Name       string `json:"name"`
	Seat       int    `json:"seat"`
	Chips      int64  `json:"chips"`
	State      string `json:"state"`
	CurrentBet int64  `json:"current_bet"`
	TotalBet   int64  `json:"total_bet"`
	Ready      bool   `json:"ready"`
}

type snapshotResponse struct {
	ChatID           int64           `json:"chat_id"`
	HandID           string          `json:"hand_id,omitempty"`
	Stage            gamecore.Stage  `json:"stage"`
	Pot              int64           `json:"pot"`
	Board            []gamecore.Card `json:"board"`
	DealerSeat       int             `json:"dealer_seat"`
	TurnSeat         int             `json:"turn_seat"`
	MaxRoundBet      int64           `json:"max_round_bet"`
	TurnDeadlineUnix int64           `json:"turn_deadline_unix,omitempty"`
	Players          []publicPlayer  `json:"players"`
}

func publicSnapshot(session *gamecore.Session) snapshotResponse {
	response := snapshotResponse{
		ChatID:           session.ChatID,
		HandID:           session.HandID,
		Stage:            session.Stage,
		Pot:              session.Pot,
		Board:            session.CommunityCards,
		DealerSeat:       session.DealerSeat,
		TurnSeat:         session.TurnSeat,
		MaxRoundBet:      session.MaxRoundBet,
		TurnDeadlineUnix: session.TurnDeadlineUnix,
	}
	for _, player := range session.Players {
		if player == nil {
			continue
		}
		response.Players = append(response.Players, publicPlayer{
			UserID:     player.UserID,
			Name:       player.Name,
			Seat:       player.Seat,
			Chips:      player.Chips,
			State:      string(player.State),
			CurrentBet: player.CurrentBet,
			TotalBet:   player.TotalBet,
			Ready:      player.Ready,
		})
	}
	return response
}
