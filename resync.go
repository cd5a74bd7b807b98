package privacyidea

import (
	"context"
	"strconv"
	"time"
)

// ResyncToken locates two consecutive OTP values inside the token's
// sync window and advances the counter past the pair. On failure the
// token state is unchanged. This is the administrative resync entry
// point; autosync during authentication shares the same pair rule but
// uses the smaller search window and the due-date timeout.
func (e *Engine) ResyncToken(ctx context.Context, serial, otp1, otp2 string) (bool, error) {
	if e == nil || e.tokens == nil {
		return false, ErrEngineNotReady
	}

	synced := false
	err := e.tokens.Update(ctx, serial, func(rec *TokenRecord) error {
		tok, err := newOtpToken(rec, e.config.OTP)
		if err != nil {
			return err
		}
		window := rec.SyncWindow
		if window <= 0 {
			window = e.config.OTP.SyncWindow
		}
		accepted, ok, err := tok.Resync(otp1, otp2, window, time.Now())
		if err != nil || !ok {
			return err
		}
		if err := rec.IncrementOTPCounter(accepted); err != nil {
			return err
		}
		rec.ResetFailCount()
		rec.deleteInfo(infoAutosyncCounter)
		rec.deleteInfo(infoAutosyncAt)
		synced = true
		return nil
	})
	if err != nil {
		e.metricInc(MetricResyncFailure)
		return false, err
	}

	if synced {
		e.metricInc(MetricResyncSuccess)
		e.emitAudit(ctx, auditEventResync, true, serial, "", "", nil, nil)
	} else {
		e.metricInc(MetricResyncFailure)
		e.emitAudit(ctx, auditEventResync, false, serial, "", "", nil, nil)
	}
	return synced, nil
}

// tryAutosync runs after an OTP failed the ordinary window check. The
// first out-of-window hit is only recorded; the next attempt succeeds
// when its counter is strictly one past the recorded one and the
// due-date timeout has not elapsed since the first attempt. Returns the
// accepted counter on success, otpNotFound otherwise. Mutates only the
// autosync bookkeeping in the token info map; the caller commits the
// record either way.
func tryAutosync(tok OtpToken, otp string, cfg AutosyncConfig, now time.Time) (int64, error) {
	if !cfg.Enabled {
		return otpNotFound, nil
	}

	rec := tok.Record()
	matched, err := tok.CheckOTP(otp, cfg.SearchWindow, now)
	if err != nil || matched == otpNotFound {
		return otpNotFound, err
	}

	prevRaw := rec.GetInfo(infoAutosyncCounter)
	atRaw := rec.GetInfo(infoAutosyncAt)
	if prevRaw != "" && atRaw != "" {
		prev, errPrev := strconv.ParseInt(prevRaw, 10, 64)
		at, errAt := strconv.ParseInt(atRaw, 10, 64)
		if errPrev == nil && errAt == nil {
			// Autosync never succeeds once the timeout has elapsed
			// since the first failed attempt was recorded.
			if now.Sub(time.Unix(at, 0)) > cfg.Timeout {
				rec.deleteInfo(infoAutosyncCounter)
				rec.deleteInfo(infoAutosyncAt)
				return otpNotFound, nil
			}
			if matched == prev+1 {
				rec.deleteInfo(infoAutosyncCounter)
				rec.deleteInfo(infoAutosyncAt)
				return matched, nil
			}
		}
	}

	rec.SetInfo(infoAutosyncCounter, strconv.FormatInt(matched, 10))
	rec.SetInfo(infoAutosyncAt, strconv.FormatInt(now.Unix(), 10))
	return otpNotFound, nil
}
