package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/InboxGate/app/models"
	"github.com/ManuelReschke/InboxGate/app/repository"
	"github.com/ManuelReschke/InboxGate/internal/pkg/audit"
	"github.com/ManuelReschke/InboxGate/internal/pkg/config"
	"github.com/ManuelReschke/InboxGate/internal/pkg/gmail"
	"github.com/ManuelReschke/InboxGate/internal/pkg/lock"
	"github.com/ManuelReschke/InboxGate/internal/pkg/oauth"
	"github.com/ManuelReschke/InboxGate/internal/pkg/webhook"
)

const (
	archivePageSize = 500
	// tokenSkew refreshes tokens that would expire during a watch renewal.
	tokenSkew = 5 * time.Minute
)

type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth.RefreshedToken, error)
}

type WatchRenewer interface {
	RenewWatch(ctx context.Context, accessToken, mailbox string) (*gmail.Subscription, error)
}

type Notifier interface {
	Deliver(ctx context.Context, clientID string, event webhook.Event) webhook.Result
}

// Archiver stores audit entries before they are purged.
type Archiver interface {
	Archive(ctx context.Context, cutoff time.Time, entries []models.AuditLog) (string, error)
}

// BatchResult summarizes one scan.
type BatchResult struct {
	Processed int
	Succeeded int
	Failed    int
}

// Renewer implements the work behind the three scheduler jobs.
type Renewer struct {
	Clients   repository.ClientRepository
	AuditLogs repository.AuditLogRepository
	Recorder  audit.Recorder
	Tokens    TokenRefresher
	Watches   WatchRenewer
	Notifier  Notifier
	Archiver  Archiver
	Locks     *lock.KeyedMutex

	TokenLookahead time.Duration
	WatchLookahead time.Duration
	Retention      time.Duration
	WatchTopic     string

	now func() time.Time
}

func NewRenewer(cfg config.SchedulerConfig, clients repository.ClientRepository, auditLogs repository.AuditLogRepository, recorder audit.Recorder) *Renewer {
	return &Renewer{
		Clients:        clients,
		AuditLogs:      auditLogs,
		Recorder:       recorder,
		Locks:          lock.NewKeyedMutex(),
		TokenLookahead: cfg.TokenLookahead,
		WatchLookahead: cfg.WatchLookahead,
		Retention:      cfg.AuditRetention,
		now:            time.Now,
	}
}

func (r *Renewer) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

// RefreshExpiringTokens refreshes every completed client whose access token
// expires within the lookahead. A failing record never stops the batch.
func (r *Renewer) RefreshExpiringTokens(ctx context.Context) (BatchResult, error) {
	clients, err := r.Clients.ListExpiringTokens(ctx, r.clock().Add(r.TokenLookahead))
	if err != nil {
		return BatchResult{}, fmt.Errorf("list expiring tokens: %w", err)
	}
	log.Infof("[Scheduler] %d tokens expiring within %s", len(clients), r.TokenLookahead)

	var res BatchResult
	for i := range clients {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Processed++
		if err := r.refreshOne(ctx, clients[i].ID); err != nil {
			res.Failed++
			continue
		}
		res.Succeeded++
	}
	log.Infof("[Scheduler] token refresh done: %d ok, %d failed", res.Succeeded, res.Failed)
	return res, nil
}

func (r *Renewer) refreshOne(ctx context.Context, id string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic refreshing client %s: %v", id, p)
			log.Errorf("[Scheduler] %v", err)
		}
	}()

	client, err := r.Clients.FindByID(ctx, id)
	if err != nil {
		return err
	}
	unlock := r.Locks.Lock(client.GmailAddress)
	defer unlock()

	// Re-read under the lock; a concurrent callback or revoke may have changed it.
	if client, err = r.Clients.FindByID(ctx, id); err != nil {
		return err
	}
	if !client.IsCompleted() {
		return nil
	}
	_, err = r.refreshLocked(ctx, client)
	return err
}

// refreshLocked refreshes the access token of client, persists it, fires the
// token_refresh webhook and audits. The caller holds the client's lock.
func (r *Renewer) refreshLocked(ctx context.Context, client *models.Client) (*models.Client, error) {
	out, err := r.Tokens.Refresh(ctx, client.RefreshToken)
	if err != nil {
		details := models.AuditDetails{"gmailAddress": client.GmailAddress, "permanent": oauth.IsPermanent(err)}
		if oauth.IsPermanent(err) {
			client.RegistrationStatus = models.RegistrationStatusExpired
			if _, uerr := r.Clients.Upsert(ctx, client); uerr != nil {
				log.Errorf("[Scheduler] failed to expire client %s: %v", client.ID, uerr)
			}
			log.Warnf("[Scheduler] refresh token for %s is no longer valid, client expired", client.GmailAddress)
		} else {
			log.Warnf("[Scheduler] token refresh for %s failed: %v", client.GmailAddress, err)
		}
		r.record(ctx, audit.Failure(client.ID, models.AuditTokenRefreshed, err, details))
		return nil, err
	}

	expiry := out.Expiry
	client.AccessToken = out.AccessToken
	if out.RefreshToken != "" {
		client.RefreshToken = out.RefreshToken
	}
	client.TokenExpiry = &expiry

	stored, err := r.Clients.Upsert(ctx, client)
	if err != nil {
		r.record(ctx, audit.Failure(client.ID, models.AuditTokenRefreshed, err, models.AuditDetails{"step": "persist"}))
		return nil, err
	}

	r.Notifier.Deliver(ctx, stored.ID, webhook.NewTokenRefreshEvent(stored, stored.AccessToken, expiry))
	r.record(ctx, audit.Success(stored.ID, models.AuditTokenRefreshed, models.AuditDetails{
		"gmailAddress":  stored.GmailAddress,
		"newExpiryDate": expiry,
		"rotated":       out.RefreshToken != "",
	}))
	log.Infof("[Scheduler] refreshed token for %s", stored.GmailAddress)
	return stored, nil
}

// RenewExpiringWatches re-issues the watch for every completed client whose
// subscription is missing or expires within the lookahead.
func (r *Renewer) RenewExpiringWatches(ctx context.Context) (BatchResult, error) {
	clients, err := r.Clients.ListExpiringWatches(ctx, r.clock().Add(r.WatchLookahead))
	if err != nil {
		return BatchResult{}, fmt.Errorf("list expiring watches: %w", err)
	}
	log.Infof("[Scheduler] %d watches expiring within %s", len(clients), r.WatchLookahead)

	var res BatchResult
	for i := range clients {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Processed++
		if err := r.renewOne(ctx, clients[i].ID); err != nil {
			res.Failed++
			continue
		}
		res.Succeeded++
	}
	log.Infof("[Scheduler] watch renewal done: %d ok, %d failed", res.Succeeded, res.Failed)
	return res, nil
}

func (r *Renewer) renewOne(ctx context.Context, id string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic renewing watch for client %s: %v", id, p)
			log.Errorf("[Scheduler] %v", err)
		}
	}()

	client, err := r.Clients.FindByID(ctx, id)
	if err != nil {
		return err
	}
	unlock := r.Locks.Lock(client.GmailAddress)
	defer unlock()

	if client, err = r.Clients.FindByID(ctx, id); err != nil {
		return err
	}
	if !client.IsCompleted() {
		return nil
	}

	now := r.clock()
	if client.TokenExpiresBefore(now.Add(tokenSkew)) {
		refreshed, err := r.refreshLocked(ctx, client)
		if err != nil {
			r.record(ctx, audit.Failure(client.ID, models.AuditWatchRenewed, err, models.AuditDetails{"step": "token_refresh"}))
			return err
		}
		client = refreshed
	}

	sub, err := r.Watches.RenewWatch(ctx, client.AccessToken, client.GmailAddress)
	if err != nil {
		details := models.AuditDetails{"gmailAddress": client.GmailAddress}
		if client.WatchLapsed(now) {
			client.RegistrationStatus = models.RegistrationStatusExpired
			details["expired"] = true
			if _, uerr := r.Clients.Upsert(ctx, client); uerr != nil {
				log.Errorf("[Scheduler] failed to expire client %s: %v", client.ID, uerr)
			}
			log.Warnf("[Scheduler] watch for %s lapsed and could not be renewed, client expired", client.GmailAddress)
		} else {
			log.Warnf("[Scheduler] watch renewal for %s failed: %v", client.GmailAddress, err)
		}
		r.record(ctx, audit.Failure(client.ID, models.AuditWatchRenewed, err, details))
		return err
	}

	renewedAt := now.UTC()
	expiry := sub.Expiry
	client.WatchHistoryID = sub.HistoryID
	client.WatchExpiry = &expiry
	client.LastRenewalAt = &renewedAt
	if r.WatchTopic != "" {
		client.WatchTopic = r.WatchTopic
	}

	stored, err := r.Clients.Upsert(ctx, client)
	if err != nil {
		r.record(ctx, audit.Failure(client.ID, models.AuditWatchRenewed, err, models.AuditDetails{"step": "persist"}))
		return err
	}

	r.Notifier.Deliver(ctx, stored.ID, webhook.NewWatchRenewalEvent(stored, sub.HistoryID, expiry))
	r.record(ctx, audit.Success(stored.ID, models.AuditWatchRenewed, models.AuditDetails{
		"historyId":  sub.HistoryID,
		"expiration": expiry,
	}))
	log.Infof("[Scheduler] renewed watch for %s until %s", stored.GmailAddress, expiry.Format(time.RFC3339))
	return nil
}

// PurgeAuditLogs deletes entries older than the retention window. With an
// Archiver configured the entries are uploaded first and a failed upload
// leaves them in place.
func (r *Renewer) PurgeAuditLogs(ctx context.Context) (int64, error) {
	cutoff := r.clock().Add(-r.Retention)

	if r.Archiver != nil {
		var (
			entries []models.AuditLog
			afterID uint
		)
		for {
			page, err := r.AuditLogs.ListOlderThan(ctx, cutoff, afterID, archivePageSize)
			if err != nil {
				return 0, fmt.Errorf("list audit logs for archive: %w", err)
			}
			entries = append(entries, page...)
			if len(page) < archivePageSize {
				break
			}
			afterID = page[len(page)-1].ID
		}
		if len(entries) == 0 {
			return 0, nil
		}
		key, err := r.Archiver.Archive(ctx, cutoff, entries)
		if err != nil {
			return 0, fmt.Errorf("archive audit logs, purge skipped: %w", err)
		}
		log.Infof("[Scheduler] archived %d audit entries to %s", len(entries), key)
	}

	n, err := r.AuditLogs.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit logs: %w", err)
	}
	log.Infof("[Scheduler] purged %d audit entries older than %s", n, cutoff.Format(time.RFC3339))
	return n, nil
}

func (r *Renewer) record(ctx context.Context, entry audit.Entry) {
	if r.Recorder == nil {
		return
	}
	if err := r.Recorder.Record(ctx, entry); err != nil && !errors.Is(err, context.Canceled) {
		log.Debugf("[Scheduler] audit write failed: %v", err)
	}
}
