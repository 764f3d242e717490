package smtp

import (
	"bytes"
	"log/slog"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/emersion/go-msgauth/dkim"

	"github.com/OliverSchlueter/smtpevent/internal/mails"
)

const maxDKIMVerifications = 5

// verifyDKIM checks every DKIM-Signature header of a received message.
// Messages without signatures yield no results.
func (s *Server) verifyDKIM(data []byte) []mails.DKIMResult {
	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(data), &dkim.VerifyOptions{
		LookupTXT:        s.lookupTXT,
		MaxVerifications: maxDKIMVerifications,
	})
	if err != nil {
		slog.Warn("Failed to verify DKIM signatures", sloki.WrapError(err))
		return nil
	}

	results := make([]mails.DKIMResult, 0, len(verifications))
	for _, v := range verifications {
		r := mails.DKIMResult{Domain: v.Domain, Valid: v.Err == nil}
		if v.Err != nil {
			r.Error = v.Err.Error()
			slog.Warn("DKIM signature invalid", slog.String("domain", v.Domain), sloki.WrapError(v.Err))
		} else {
			slog.Debug("DKIM signature valid", slog.String("domain", v.Domain))
		}
		results = append(results, r)
	}
	return results
}
