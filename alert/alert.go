// Copyright 2025 The Vaultsync Authors
// This file is part of Vaultsync.
//
// Vaultsync is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Vaultsync is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Vaultsync. If not, see <http://www.gnu.org/licenses/>.

// Package alert is the alerting seam. Delivery (pager, chat, email) is
// an external collaborator; the core only needs somewhere to put a
// structured alert.
package alert

import (
	"context"

	log "github.com/sirupsen/logrus"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator-facing notification.
type Alert struct {
	VaultID  string
	SortKey  string
	Severity Severity
	Message  string
	Err      error
}

// Alerter delivers alerts. Implementations must not block the pipeline;
// a failed delivery is logged and dropped.
type Alerter interface {
	Emit(ctx context.Context, a Alert)
}

// LogAlerter writes alerts to the structured log. The default sink.
type LogAlerter struct{}

func (LogAlerter) Emit(ctx context.Context, a Alert) {
	fields := log.Fields{
		"vault":    a.VaultID,
		"severity": a.Severity,
	}
	if a.SortKey != "" {
		fields["sort_key"] = a.SortKey
	}
	entry := log.WithFields(fields)
	if a.Err != nil {
		entry = entry.WithError(a.Err)
	}
	if a.Severity == SeverityCritical {
		entry.Error(a.Message)
		return
	}
	entry.Warn(a.Message)
}

var _ Alerter = LogAlerter{}
