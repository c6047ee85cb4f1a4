// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package store

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS batch_exports (
		id                 VARCHAR(36)  NOT NULL PRIMARY KEY,
		team_id            BIGINT       NOT NULL,
		name               VARCHAR(255) NOT NULL,
		model              VARCHAR(32)  NOT NULL,
		destination_type   VARCHAR(32)  NOT NULL,
		destination_config TEXT         NOT NULL,
		interval_spec      VARCHAR(64)  NOT NULL,
		timezone           VARCHAR(64)  NOT NULL DEFAULT '',
		include_events     TEXT         NOT NULL,
		exclude_events     TEXT         NOT NULL,
		paused             TINYINT(1)   NOT NULL DEFAULT 0,
		created_at         DATETIME(6)  NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS batch_export_runs (
		id                  VARCHAR(36) NOT NULL PRIMARY KEY,
		seq                 BIGINT      NOT NULL AUTO_INCREMENT UNIQUE,
		export_id           VARCHAR(36) NOT NULL,
		backfill_id         VARCHAR(36) NULL,
		status              VARCHAR(32) NOT NULL,
		records_completed   BIGINT      NOT NULL DEFAULT 0,
		records_total_count BIGINT      NULL,
		latest_error        TEXT        NULL,
		data_interval_start DATETIME(6) NOT NULL,
		data_interval_end   DATETIME(6) NOT NULL,
		created_at          DATETIME(6) NOT NULL,
		finished_at         DATETIME(6) NULL,
		KEY idx_runs_export_seq (export_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS batch_export_backfills (
		id          VARCHAR(36) NOT NULL PRIMARY KEY,
		export_id   VARCHAR(36) NOT NULL,
		team_id     BIGINT      NOT NULL,
		start_at    DATETIME(6) NOT NULL,
		end_at      DATETIME(6) NULL,
		status      VARCHAR(32) NOT NULL,
		created_at  DATETIME(6) NOT NULL,
		finished_at DATETIME(6) NULL,
		KEY idx_backfills_export_status (export_id, status)
	)`,
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.client.GetDB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
