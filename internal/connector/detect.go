// SPDX-License-Identifier: MIT

package connector

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// detectTimeout bounds the probe; detection runs interactively when an
// operator adds a connector.
const detectTimeout = 5 * time.Second

// DetectKind probes an instance's system status and maps its appName onto a
// connector kind. Unknown applications are rejected with a clear message.
func DetectKind(ctx context.Context, base, apiKey string) (Kind, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return "", &Error{Category: CategoryValidation, Op: "detect kind", Err: fmt.Errorf("invalid base URL %q: %w", base, err)}
	}

	probeCtx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	c := New("", base, apiKey, WithTimeout(detectTimeout))
	status, err := c.SystemStatus(probeCtx)
	if err != nil {
		return "", err
	}
	return KindFromAppName(status.AppName)
}

// KindFromAppName maps an upstream appName (case-insensitive) to a kind.
func KindFromAppName(appName string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(appName)) {
	case "sonarr":
		return KindSonarr, nil
	case "radarr":
		return KindRadarr, nil
	case "whisparr":
		return KindWhisparr, nil
	default:
		return "", &Error{
			Category: CategoryValidation,
			Op:       "detect kind",
			Err:      fmt.Errorf("unsupported application %q: expected Sonarr, Radarr or Whisparr", appName),
		}
	}
}
