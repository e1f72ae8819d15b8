package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatrelay/auth"
	"chatrelay/db"
	"chatrelay/models"
	"chatrelay/protocol"
)

// Client-visible replies.
const (
	msgRegistered      = "You have successfully registered!"
	msgWelcomeFormat   = "Welcome to server %s!"
	msgInvalidPassword = "Invalid password. Try again"
	msgHistoryPrefix   = "20 latest msg: "
	msgInternalError   = "Internal error, try again later"
)

// AccountStore looks up, creates and deletes accounts keyed by login.
// LookupAccount and DeleteAccount report a miss with db.ErrNoRows;
// InsertAccount reports a duplicate login with db.ErrAccountExists.
type AccountStore interface {
	LookupAccount(ctx context.Context, login string) (models.Account, error)
	InsertAccount(ctx context.Context, acct *models.Account) error
	DeleteAccount(ctx context.Context, acct models.Account) error
}

// MessageLog is the capped history of broadcast texts.
type MessageLog interface {
	AppendMessage(ctx context.Context, text string) error
	LatestMessages(ctx context.Context, n int) ([]models.LogEntry, error)
}

type Store interface {
	AccountStore
	MessageLog
}

// Handler applies parsed commands. One Handler is shared by every session
// of a server.
type Handler struct {
	store    Store
	registry *Registry
	verifier auth.Verifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewHandler(store Store, registry *Registry, verifier auth.Verifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if verifier == nil {
		verifier = auth.FingerprintVerifier{}
	}
	return &Handler{
		store:    store,
		registry: registry,
		verifier: verifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Open registers a freshly accepted connection and returns its session.
func (h *Handler) Open(c Conn) *Session {
	h.registry.Add(c)
	logger := h.logger.With("conn", c.ID(), "remote", c.RemoteAddr())
	logger.Info("client connected")
	return &Session{
		conn:    c,
		handler: h,
		decoder: protocol.NewDecoder(),
		state:   stateConnected,
		logger:  logger,
	}
}

func (h *Handler) dispatch(ctx context.Context, sess *Session, frame protocol.Frame) {
	cmd, err := protocol.Parse(frame)
	if err != nil {
		FramesTotal.WithLabelValues("unknown").Inc()
		sess.logger.Debug("dropping frame", "error", err)
		return
	}

	start := time.Now()
	var label string
	switch c := cmd.(type) {
	case protocol.Register:
		label = "register"
		h.handleRegister(ctx, sess, c)
	case protocol.Message:
		label = "message"
		h.handleMessage(ctx, sess, c)
	case protocol.DeleteAccount:
		label = "delete_account"
		h.handleDeleteAccount(ctx, sess, c)
	}
	FramesTotal.WithLabelValues(label).Inc()
	DispatchDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
}

func (h *Handler) handleRegister(ctx context.Context, sess *Session, cmd protocol.Register) {
	acct, err := h.store.LookupAccount(ctx, cmd.Login)
	if errors.Is(err, db.ErrNoRows) {
		acct, err = auth.NewAccount(h.verifier, cmd.Login, cmd.Secret)
		if err != nil {
			h.storeError(sess, "seal_secret", err)
			return
		}

		err = h.store.InsertAccount(ctx, &acct)
		if err == nil {
			sess.logger.Info("account registered", "login", cmd.Login)
			sess.reply(msgRegistered)
			h.sendHistory(ctx, sess)
			h.announce(ctx, cmd.Login)
			return
		}
		if !errors.Is(err, db.ErrAccountExists) {
			h.storeError(sess, "insert_account", err)
			return
		}

		// Another connection created the login first: this is a login attempt.
		acct, err = h.store.LookupAccount(ctx, cmd.Login)
	}
	if err != nil {
		h.storeError(sess, "lookup_account", err)
		return
	}

	if !h.verifier.Verify(acct, cmd.Secret) {
		sess.logger.Info("login rejected", "login", cmd.Login)
		sess.reply(msgInvalidPassword)
		return
	}

	sess.logger.Info("client logged in", "login", cmd.Login)
	sess.reply(fmt.Sprintf(msgWelcomeFormat, cmd.Login))
	h.sendHistory(ctx, sess)
	h.announce(ctx, cmd.Login)
}

func (h *Handler) handleMessage(ctx context.Context, sess *Session, cmd protocol.Message) {
	sess.logger.Info("message received", "sender", cmd.Sender, "body", cmd.Body)
	h.broadcast(ctx, cmd.Body, cmd.Sender)
}

// handleDeleteAccount removes the account named by the command and then
// closes the sending connection, whoever owns the account.
func (h *Handler) handleDeleteAccount(ctx context.Context, sess *Session, cmd protocol.DeleteAccount) {
	defer sess.Close()

	acct, err := h.store.LookupAccount(ctx, cmd.Login)
	if errors.Is(err, db.ErrNoRows) {
		sess.logger.Info("delete of unknown account", "login", cmd.Login)
		return
	}
	if err != nil {
		h.storeError(sess, "lookup_account", err)
		return
	}

	if err := h.store.DeleteAccount(ctx, acct); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			sess.logger.Info("account already deleted", "login", cmd.Login)
			return
		}
		h.storeError(sess, "delete_account", err)
		return
	}
	sess.logger.Info("account deleted", "login", cmd.Login)
}

func (h *Handler) sendHistory(ctx context.Context, sess *Session) {
	entries, err := h.store.LatestMessages(ctx, models.HistorySize)
	if err != nil {
		h.storeError(sess, "latest_messages", err)
		return
	}

	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Text
	}
	sess.reply(msgHistoryPrefix + strings.Join(texts, ", "))
}

func (h *Handler) announce(ctx context.Context, login string) {
	h.broadcast(ctx, "<"+login+" connected to the server>", login)
}

// broadcast logs the composed text and fans it out to every connection. A
// failed append is logged and the fan-out still happens.
func (h *Handler) broadcast(ctx context.Context, body, sender string) {
	text := FormatBroadcast(body, sender, h.now())

	if err := h.store.AppendMessage(ctx, text); err != nil {
		StoreErrors.WithLabelValues("append_message").Inc()
		h.logger.Error("append to message log failed", "sender", sender, "error", err)
	}

	h.registry.Broadcast(protocol.FormatLine(text))
}

// storeError logs a failed store call and tells the client something went
// wrong. It never closes the connection.
func (h *Handler) storeError(sess *Session, op string, err error) {
	StoreErrors.WithLabelValues(op).Inc()
	sess.logger.Error("store call failed", "op", op, "error", err)
	sess.reply(msgInternalError)
}

// FormatBroadcast renders "<body> | from <<sender>> HH:MM:SS".
func FormatBroadcast(body, sender string, at time.Time) string {
	return body + " | from <" + sender + "> " + at.Format("15:04:05")
}
