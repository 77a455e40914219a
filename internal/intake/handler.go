// Package intake accepts comment webhooks and hands triggers to the submitter.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"taskpilot/internal/submit"
)

// MaxBodyBytes matches the largest payload GitHub documents.
const MaxBodyBytes = 25 << 20

const (
	EventIssueComment    = "issue_comment"
	EventPRReviewComment = "pull_request_review_comment"
	DefaultTriggerPhrase = "@agent"

	actionCreated   = "created"
	headerSignature = "X-Hub-Signature-256"
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
)

type Submitter interface {
	Submit(ctx context.Context, t submit.Trigger) (string, error)
}

type Options struct {
	// Secret enables signature verification when non-empty.
	Secret        string
	TriggerPhrase string
	Dedup         *Dedup
	Logger        *slog.Logger
}

type Handler struct {
	submitter Submitter
	secret    []byte
	phrase    string
	dedup     *Dedup
	logger    *slog.Logger
}

func NewHandler(s Submitter, opts Options) *Handler {
	if opts.TriggerPhrase == "" {
		opts.TriggerPhrase = DefaultTriggerPhrase
	}
	if opts.Dedup == nil {
		opts.Dedup = NewDedup(nil, 0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		submitter: s,
		secret:    []byte(opts.Secret),
		phrase:    opts.TriggerPhrase,
		dedup:     opts.Dedup,
		logger:    opts.Logger.With("component", "intake"),
	}
}

type Response struct {
	Message    string `json:"message"`
	JobID      string `json:"jobId,omitempty"`
	DeliveryID string `json:"deliveryId"`
}

type commentPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
		Private  bool   `json:"private"`
		Owner    struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Issue *struct {
		Number      int       `json:"number"`
		PullRequest *struct{} `json:"pull_request"`
	} `json:"issue"`
	PullRequest *struct {
		Number int `json:"number"`
		Head   struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Comment *struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	deliveryID := r.Header.Get(headerDelivery)
	event := r.Header.Get(headerEvent)
	log := h.logger.With("delivery_id", deliveryID, "event", event)

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		log.Error("read body failed", "error", err)
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if len(body) > MaxBodyBytes {
		log.Warn("rejected", "outcome", "too_large")
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	if len(h.secret) > 0 {
		if err := VerifySignature(h.secret, body, r.Header.Get(headerSignature)); err != nil {
			log.Warn("rejected", "outcome", "unauthorized", "error", err, "remote_addr", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	if event != EventIssueComment && event != EventPRReviewComment {
		log.Info("ignored", "outcome", "unsupported_event")
		writeJSON(w, http.StatusOK, Response{Message: "ignored: unsupported event", DeliveryID: deliveryID})
		return
	}

	var p commentPayload
	if err := json.Unmarshal(body, &p); err != nil {
		log.Warn("rejected", "outcome", "bad_json", "error", err)
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	// Edits and deletions are acknowledged before the shape check; their
	// payloads may legitimately lack a body.
	if p.Action != actionCreated {
		log.Info("ignored", "outcome", "action", "action", p.Action, "repo", p.Repository.FullName)
		writeJSON(w, http.StatusOK, Response{Message: "ignored: action " + p.Action, DeliveryID: deliveryID})
		return
	}

	t, err := toTrigger(p, event, deliveryID)
	if err != nil {
		log.Warn("rejected", "outcome", "malformed", "repo", p.Repository.FullName, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log = log.With("repo", t.Repo.FullName, "comment_id", t.Comment.ID)

	if !Mentions(t.Comment.Body, h.phrase) {
		log.Debug("ignored", "outcome", "no_trigger")
		writeJSON(w, http.StatusOK, Response{Message: "ignored: no trigger phrase", DeliveryID: deliveryID})
		return
	}

	key := Key{Repo: t.Repo.FullName, CommentID: t.Comment.ID, Action: p.Action}
	if !h.dedup.Claim(key) {
		log.Info("ignored", "outcome", "duplicate")
		writeJSON(w, http.StatusOK, Response{Message: "ignored: duplicate delivery", DeliveryID: deliveryID})
		return
	}

	jobID, err := h.submitter.Submit(r.Context(), t)
	if err != nil {
		h.dedup.Release(key)
		if errors.Is(err, submit.ErrEmptyInstruction) {
			log.Info("ignored", "outcome", "empty_instruction")
			writeJSON(w, http.StatusOK, Response{Message: "ignored: empty instruction", DeliveryID: deliveryID})
			return
		}
		log.Error("submit failed", "outcome", "error", "error", err)
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}

	log.Info("accepted", "outcome", "accepted", "job_id", jobID, "commenter", t.Comment.Author)
	writeJSON(w, http.StatusOK, Response{Message: "job queued", JobID: jobID, DeliveryID: deliveryID})
}

var errMalformed = errors.New("malformed payload")

func toTrigger(p commentPayload, event, deliveryID string) (submit.Trigger, error) {
	switch {
	case strings.Count(p.Repository.FullName, "/") != 1:
		return submit.Trigger{}, fmt.Errorf("%w: repository.full_name is required", errMalformed)
	case p.Comment == nil || strings.TrimSpace(p.Comment.Body) == "":
		return submit.Trigger{}, fmt.Errorf("%w: comment.body is required", errMalformed)
	case p.Comment.ID <= 0:
		return submit.Trigger{}, fmt.Errorf("%w: comment.id must be positive", errMalformed)
	case p.Comment.User.Login == "":
		return submit.Trigger{}, fmt.Errorf("%w: comment.user.login is required", errMalformed)
	}

	t := submit.Trigger{
		DeliveryID: deliveryID,
		Event:      event,
		Repo: submit.Repository{
			FullName: p.Repository.FullName,
			CloneURL: p.Repository.CloneURL,
			Owner:    p.Repository.Owner.Login,
			Private:  p.Repository.Private,
		},
		Comment: submit.Comment{
			ID:     p.Comment.ID,
			Body:   p.Comment.Body,
			Author: p.Comment.User.Login,
		},
	}
	switch {
	case p.PullRequest != nil:
		t.PR = &submit.PullRequest{
			Number:  p.PullRequest.Number,
			HeadRef: p.PullRequest.Head.Ref,
			HeadSHA: p.PullRequest.Head.SHA,
		}
	case p.Issue != nil && p.Issue.PullRequest != nil:
		t.PR = &submit.PullRequest{Number: p.Issue.Number}
	}
	return t, nil
}

// Mentions reports whether body contains the trigger phrase, ignoring case.
func Mentions(body, phrase string) bool {
	return strings.Contains(strings.ToLower(body), strings.ToLower(phrase))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
