package firewall

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const recentTTL = time.Hour

func recentKey(sender string) string { return "firewall:user:" + sender + ":recent" }

func normalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// checkContent runs the length, duplicate, URL and denylist checks.
func (f *Firewall) checkContent(ctx context.Context, sender, text string, policy ContentPolicy) ([]Violation, error) {
	var out []Violation

	n := utf8.RuneCountInString(strings.TrimSpace(text))
	if policy.MaxLength > 0 && n > policy.MaxLength {
		out = append(out, Violation{
			Type:     ViolationTooLong,
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("message length %d exceeds %d", n, policy.MaxLength),
		})
	}
	if n < policy.MinLength {
		out = append(out, Violation{
			Type:     ViolationTooShort,
			Severity: SeverityLow,
			Message:  fmt.Sprintf("message length %d below %d", n, policy.MinLength),
		})
	}

	if policy.MaxDuplicates > 0 {
		recent, err := f.store.LRange(ctx, recentKey(sender), 0, int64(policy.RecentSize)-1)
		if err != nil {
			return nil, err
		}
		norm := normalizeText(text)
		dup := 0
		for _, r := range recent {
			if r != norm {
				break
			}
			dup++
		}
		if dup >= policy.MaxDuplicates {
			sev := SeverityMedium
			if dup >= 2*policy.MaxDuplicates {
				sev = SeverityHigh
			}
			out = append(out, Violation{
				Type:     ViolationDuplicate,
				Severity: sev,
				Message:  fmt.Sprintf("same message repeated %d times", dup+1),
			})
		}
	}

	for _, re := range policy.URLPatterns {
		if re.MatchString(text) {
			out = append(out, Violation{
				Type:     ViolationSuspiciousURL,
				Severity: SeverityMedium,
				Message:  "suspicious link: " + re.FindString(text),
			})
			break
		}
	}

	lower := strings.ToLower(text)
	for _, term := range policy.Denylist {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			out = append(out, Violation{
				Type:     ViolationBlocked,
				Severity: SeverityHigh,
				Message:  "blocked term",
			})
			break
		}
	}
	return out, nil
}

// rememberMessage pushes text onto the bounded most-recent-first list.
func (f *Firewall) rememberMessage(ctx context.Context, sender, text string, size int) error {
	if size <= 0 {
		return nil
	}
	key := recentKey(sender)
	if err := f.store.LPush(ctx, key, normalizeText(text)); err != nil {
		return err
	}
	if err := f.store.LTrim(ctx, key, 0, int64(size)-1); err != nil {
		return err
	}
	return f.store.Expire(ctx, key, recentTTL)
}
