package license

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Response status values. Business failures are returned as typed results
// with a localized message for direct display, never as Go errors; only
// backend/transport failures surface as errors.
const (
	RespActive  = "active"
	RespError   = "error"
	RespExpired = "expired"
	RespRevoked = "revoked"
	RespUnknown = "unknown"
	RespOK      = "ok"
)

// User-facing messages. Indonesian, rendered verbatim by the POS UI.
const (
	msgTrialActive     = "Trial 7 hari aktif."
	msgTrialRevoked    = "Trial untuk device ini sudah dicabut. Hubungi admin."
	msgNotFound        = "Kode lisensi tidak ditemukan."
	msgRevoked         = "Lisensi ini sudah dicabut. Hubungi admin."
	msgDeviceConflict  = "Lisensi sedang terpakai di device lain. Hubungi admin untuk pindah device."
	msgActivated       = "Lisensi berhasil diaktivasi."
	msgBornExpired     = "Lisensi ini sudah kadaluarsa."
	msgCheckNotFound   = "Lisensi tidak ditemukan."
	msgCheckRevoked    = "Lisensi dicabut oleh admin."
	msgBadToken        = "Token tidak valid. Silakan aktivasi ulang."
	msgWrongDevice     = "Lisensi ini terikat ke device lain."
	msgCheckExpired    = "Lisensi sudah kadaluarsa."
	msgCheckActive     = "Lisensi masih aktif."
	msgRevokeDone      = "Lisensi berhasil dicabut."
	msgAlreadyRevoked  = "Lisensi sudah dicabut sebelumnya."
	msgExtendDone      = "Masa berlaku lisensi berhasil diperpanjang."
	msgExtendLifetime  = "Lisensi lifetime tidak memiliki masa berlaku."
	msgExtendBadDays   = "Jumlah hari perpanjangan tidak valid."
)

// saveAttempts bounds fetch-decide-write retries on ErrStaleRecord.
const saveAttempts = 3

// TrialResponse answers RequestTrial.
type TrialResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	Token     string `json:"token,omitempty"`
	Code      string `json:"code,omitempty"`
}

// ActivationResponse answers ActivateLicense.
type ActivationResponse struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	Type          Type   `json:"type,omitempty"`
	ExpiresAt     string `json:"expiresAt,omitempty"`
	RemainingDays *int   `json:"remainingDays,omitempty"`
	Token         string `json:"token,omitempty"`
	Trial         bool   `json:"trial,omitempty"`
}

// StatusResponse answers CheckLicense.
type StatusResponse struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	Type          Type   `json:"type,omitempty"`
	ExpiresAt     string `json:"expiresAt,omitempty"`
	RemainingDays *int   `json:"remainingDays,omitempty"`
}

// AdminResponse answers Revoke and Extend.
type AdminResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// TrialCode derives the deterministic trial code for a device. One trial per
// device, by construction of the key.
func TrialCode(deviceID string) string {
	return "trial-" + deviceID
}

// Protocol is the activation state machine. It is strict (fail-closed):
// backend failures abort the operation and propagate to the caller.
type Protocol struct {
	store  *Store
	logger *slog.Logger

	// Injection points for tests.
	now      func() time.Time
	newToken func() string
}

// NewProtocol wires the state machine onto a record store.
func NewProtocol(store *Store, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		store:    store,
		logger:   logger.With(slog.String("component", "license_protocol")),
		now:      time.Now,
		newToken: newToken,
	}
}

// RequestTrial issues (or returns the previously issued) 7-day trial license
// for the device. Idempotent: a second request for the same device returns
// the existing record without resetting or extending the trial. A revoked
// trial stays revoked; revocation is terminal even for trials.
func (p *Protocol) RequestTrial(ctx context.Context, device DeviceProfile, account AccountProfile) (*TrialResponse, error) {
	code := TrialCode(device.DeviceID)

	for attempt := 0; attempt < saveAttempts; attempt++ {
		existing, err := p.store.Get(ctx, code)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.Status == StatusRevoked {
				return &TrialResponse{Status: RespError, Message: msgTrialRevoked, Code: code}, nil
			}
			resp := &TrialResponse{
				Status:    RespActive,
				Message:   msgTrialActive,
				ExpiresAt: FormatExpiry(existing.ExpiresAt),
				Code:      code,
			}
			if existing.Session != nil {
				resp.Token = existing.Session.Token
			}
			return resp, nil
		}

		now := p.now()
		expires := now.Add(time.Duration(TypeTrial.DurationDays()) * day)
		activated := now
		rec := &Record{
			Code:         code,
			Type:         TypeTrial,
			Status:       StatusActive,
			DurationDays: TypeTrial.DurationDays(),
			CreatedAt:    now,
			Notes:        "Auto-issued trial",
			ActivatedAt:  &activated,
			ExpiresAt:    &expires,
			Device:       &device,
			Account:      &account,
			Session:      newSession(p.newToken(), device.DeviceID, now, &expires),
		}

		err = p.store.Save(ctx, rec)
		if errors.Is(err, ErrStaleRecord) {
			// Lost the creation race; the next fetch returns the winner.
			staleRetriesTotal.Inc()
			continue
		}
		if err != nil {
			return nil, err
		}

		p.store.AppendAudit(ctx, code, AuditEntry{
			Event:     EventTrialIssued,
			Timestamp: now,
			Device:    &device,
			Account:   &account,
		})
		trialsIssuedTotal.Inc()
		p.logger.InfoContext(ctx, "trial license issued",
			slog.String("code", code),
			slog.String("device_id", device.DeviceID),
			slog.Time("expires_at", expires),
		)

		return &TrialResponse{
			Status:    RespActive,
			Message:   msgTrialActive,
			ExpiresAt: FormatExpiry(&expires),
			Token:     rec.Session.Token,
			Code:      code,
		}, nil
	}

	return nil, ErrStaleRecord
}

// Activate binds the license identified by code to the requesting device,
// minting a fresh session and re-anchoring the expiry to now. A still-valid
// license bound to a different device is refused with a device conflict
// unless the record allows multiple devices.
func (p *Protocol) Activate(ctx context.Context, code string, device DeviceProfile, account AccountProfile) (*ActivationResponse, error) {
	for attempt := 0; attempt < saveAttempts; attempt++ {
		rec, err := p.store.Get(ctx, code)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			activationsTotal.WithLabelValues("not_found").Inc()
			return &ActivationResponse{Status: RespError, Message: msgNotFound}, nil
		}
		if rec.Status == StatusRevoked {
			activationsTotal.WithLabelValues("revoked").Inc()
			return &ActivationResponse{Status: RespError, Message: msgRevoked}, nil
		}

		now := p.now()
		if rec.Status == StatusActive &&
			rec.ExpiresAt != nil && rec.ExpiresAt.After(now) &&
			!rec.AllowMultipleDevices &&
			rec.Session != nil && rec.Session.DeviceID != device.DeviceID {
			activationsTotal.WithLabelValues("device_conflict").Inc()
			p.logger.WarnContext(ctx, "activation refused, license bound to another device",
				slog.String("code", code),
				slog.String("bound_device_id", rec.Session.DeviceID),
				slog.String("requesting_device_id", device.DeviceID),
			)
			return &ActivationResponse{Status: RespError, Message: msgDeviceConflict}, nil
		}

		var expires *time.Time
		if rec.Type != TypeLifetime {
			// Re-anchored to this activation, not the original issuance: a
			// reactivation always grants a fresh full period from now.
			e := now.Add(time.Duration(rec.DurationDays) * day)
			expires = &e
		}
		activated := now
		rec.Status = StatusActive
		rec.ActivatedAt = &activated
		rec.ExpiresAt = expires
		rec.Device = &device
		rec.Account = &account
		rec.Session = newSession(p.newToken(), device.DeviceID, now, expires)

		err = p.store.Save(ctx, rec)
		if errors.Is(err, ErrStaleRecord) {
			staleRetriesTotal.Inc()
			continue
		}
		if err != nil {
			return nil, err
		}

		p.store.AppendAudit(ctx, code, AuditEntry{
			Event:     EventActivated,
			Timestamp: now,
			Device:    &device,
			Account:   &account,
		})

		// Clock-skew guard: never hand out a session that is born dead.
		if rec.Type != TypeLifetime && rec.ExpiredAt(now) {
			rec.Status = StatusExpired
			if err := p.store.Save(ctx, rec); err != nil {
				p.logger.ErrorContext(ctx, "failed to flag born-expired license",
					slog.String("code", code),
					slog.String("error", err.Error()),
				)
			}
			activationsTotal.WithLabelValues("expired").Inc()
			return &ActivationResponse{Status: RespError, Message: msgBornExpired}, nil
		}

		activationsTotal.WithLabelValues("success").Inc()
		p.logger.InfoContext(ctx, "license activated",
			slog.String("code", code),
			slog.String("type", string(rec.Type)),
			slog.String("device_id", device.DeviceID),
		)

		return &ActivationResponse{
			Status:        RespActive,
			Message:       msgActivated,
			Type:          rec.Type,
			ExpiresAt:     FormatExpiry(rec.ExpiresAt),
			RemainingDays: RemainingDays(rec.ExpiresAt, now),
			Token:         rec.Session.Token,
			Trial:         rec.Type == TypeTrial,
		}, nil
	}

	return nil, ErrStaleRecord
}

// Check validates a held session against the record. Missing code, wrong
// token and wrong device all answer "unknown": a holder of a stale or
// guessed token must not be able to probe whether a code exists. Expiry is
// detected here lazily and persisted.
func (p *Protocol) Check(ctx context.Context, code, deviceID, token string) (*StatusResponse, error) {
	for attempt := 0; attempt < saveAttempts; attempt++ {
		rec, err := p.store.Get(ctx, code)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			checksTotal.WithLabelValues(RespUnknown).Inc()
			return &StatusResponse{Status: RespUnknown, Message: msgCheckNotFound}, nil
		}
		if rec.Status == StatusRevoked {
			checksTotal.WithLabelValues(RespRevoked).Inc()
			return &StatusResponse{Status: RespRevoked, Message: msgCheckRevoked}, nil
		}
		if rec.Session == nil || rec.Session.Token != token {
			checksTotal.WithLabelValues(RespUnknown).Inc()
			return &StatusResponse{Status: RespUnknown, Message: msgBadToken}, nil
		}
		if rec.Session.DeviceID != deviceID {
			checksTotal.WithLabelValues(RespUnknown).Inc()
			return &StatusResponse{Status: RespUnknown, Message: msgWrongDevice}, nil
		}

		now := p.now()
		if rec.ExpiredAt(now) {
			rec.Status = StatusExpired
			err := p.store.Save(ctx, rec)
			if errors.Is(err, ErrStaleRecord) {
				staleRetriesTotal.Inc()
				continue
			}
			if err != nil {
				return nil, err
			}
			zero := 0
			checksTotal.WithLabelValues(RespExpired).Inc()
			p.logger.InfoContext(ctx, "license lazily flagged expired",
				slog.String("code", code),
			)
			return &StatusResponse{
				Status:        RespExpired,
				Message:       msgCheckExpired,
				Type:          rec.Type,
				ExpiresAt:     FormatExpiry(rec.ExpiresAt),
				RemainingDays: &zero,
			}, nil
		}

		checksTotal.WithLabelValues(RespActive).Inc()
		return &StatusResponse{
			Status:        RespActive,
			Message:       msgCheckActive,
			Type:          rec.Type,
			ExpiresAt:     FormatExpiry(rec.ExpiresAt),
			RemainingDays: RemainingDays(rec.ExpiresAt, now),
		}, nil
	}

	return nil, ErrStaleRecord
}

// Revoke terminally disables a license. Idempotent.
func (p *Protocol) Revoke(ctx context.Context, code, notes string) (*AdminResponse, error) {
	for attempt := 0; attempt < saveAttempts; attempt++ {
		rec, err := p.store.Get(ctx, code)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return &AdminResponse{Status: RespError, Message: msgNotFound}, nil
		}
		if rec.Status == StatusRevoked {
			return &AdminResponse{Status: RespOK, Message: msgAlreadyRevoked}, nil
		}

		now := p.now()
		rec.Status = StatusRevoked
		if notes != "" {
			rec.Notes = notes
		}

		err = p.store.Save(ctx, rec)
		if errors.Is(err, ErrStaleRecord) {
			staleRetriesTotal.Inc()
			continue
		}
		if err != nil {
			return nil, err
		}

		p.store.AppendAudit(ctx, code, AuditEntry{
			Event:     EventRevoked,
			Timestamp: now,
			Device:    rec.Device,
			Account:   rec.Account,
			Notes:     notes,
		})
		p.logger.InfoContext(ctx, "license revoked", slog.String("code", code))
		return &AdminResponse{Status: RespOK, Message: msgRevokeDone}, nil
	}

	return nil, ErrStaleRecord
}

// Extend adds days to a license's expiry, anchored at the later of now and
// the current expiry. An expired record extended past now becomes active
// again. Lifetime records carry no expiry and cannot be extended; revoked
// records stay revoked.
func (p *Protocol) Extend(ctx context.Context, code string, days int) (*AdminResponse, error) {
	if days <= 0 {
		return &AdminResponse{Status: RespError, Message: msgExtendBadDays}, nil
	}

	for attempt := 0; attempt < saveAttempts; attempt++ {
		rec, err := p.store.Get(ctx, code)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return &AdminResponse{Status: RespError, Message: msgNotFound}, nil
		}
		if rec.Status == StatusRevoked {
			return &AdminResponse{Status: RespError, Message: msgRevoked}, nil
		}
		if rec.Type == TypeLifetime {
			return &AdminResponse{Status: RespError, Message: msgExtendLifetime}, nil
		}

		now := p.now()
		anchor := now
		if rec.ExpiresAt != nil && rec.ExpiresAt.After(now) {
			anchor = *rec.ExpiresAt
		}
		expires := anchor.Add(time.Duration(days) * day)
		rec.ExpiresAt = &expires
		if rec.Status == StatusExpired {
			rec.Status = StatusActive
		}

		err = p.store.Save(ctx, rec)
		if errors.Is(err, ErrStaleRecord) {
			staleRetriesTotal.Inc()
			continue
		}
		if err != nil {
			return nil, err
		}

		p.store.AppendAudit(ctx, code, AuditEntry{
			Event:     EventExtended,
			Timestamp: now,
			Device:    rec.Device,
			Account:   rec.Account,
		})
		p.logger.InfoContext(ctx, "license extended",
			slog.String("code", code),
			slog.Int("days", days),
			slog.Time("expires_at", expires),
		)
		return &AdminResponse{Status: RespOK, Message: msgExtendDone, ExpiresAt: FormatExpiry(&expires)}, nil
	}

	return nil, ErrStaleRecord
}
