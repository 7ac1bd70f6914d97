package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"iats/pkg/types"
)

// CreateDeployment records a deploy event.
func (d queries) CreateDeployment(ctx context.Context, deploy *types.DeploymentEvent) error {
	deploy.ID = uuid.New()
	metadata, err := marshalJSON(deploy.Metadata)
	if err != nil {
		return err
	}
	_, err = d.q.Exec(ctx, `
		INSERT INTO deployment_events (id, service, env, deployed_at, version, git_sha, actor, source, metadata, created_at)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),NULLIF($7,''),NULLIF($8,''),$9,$10)`,
		deploy.ID, deploy.Service, deploy.Env, deploy.DeployedAt, deploy.Version, deploy.GitSHA,
		deploy.Actor, deploy.Source, metadata, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert deployment event: %w", err)
	}
	return nil
}

// CreateConfigChange records a configuration change event.
func (d queries) CreateConfigChange(ctx context.Context, change *types.ConfigChange) error {
	change.ID = uuid.New()
	_, err := d.q.Exec(ctx, `
		INSERT INTO config_changes (id, service, env, changed_at, actor, diff, source, created_at)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),NULLIF($7,''),$8)`,
		change.ID, change.Service, change.Env, change.ChangedAt, change.Actor, change.Diff,
		change.Source, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert config change: %w", err)
	}
	return nil
}

// RecentDeployments lists deploys for a service/env inside a window, newest
// first.
func (d queries) RecentDeployments(ctx context.Context, service, env string, since, until time.Time) ([]types.DeploymentEvent, error) {
	rows, err := d.q.Query(ctx, `
		SELECT id, service, env, deployed_at, COALESCE(version,''), COALESCE(git_sha,''), COALESCE(actor,''), COALESCE(source,''), metadata
		FROM deployment_events
		WHERE service = $1 AND env = $2 AND deployed_at >= $3 AND deployed_at <= $4
		ORDER BY deployed_at DESC`, service, env, since, until)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()
	var out []types.DeploymentEvent
	for rows.Next() {
		var ev types.DeploymentEvent
		var metadata []byte
		if err := rows.Scan(&ev.ID, &ev.Service, &ev.Env, &ev.DeployedAt, &ev.Version, &ev.GitSHA, &ev.Actor, &ev.Source, &metadata); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		if ev.Metadata, err = unmarshalJSON[map[string]any](metadata); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecentConfigChanges lists config changes for a service/env inside a window,
// newest first.
func (d queries) RecentConfigChanges(ctx context.Context, service, env string, since, until time.Time) ([]types.ConfigChange, error) {
	rows, err := d.q.Query(ctx, `
		SELECT id, service, env, changed_at, COALESCE(actor,''), COALESCE(diff,''), COALESCE(source,'')
		FROM config_changes
		WHERE service = $1 AND env = $2 AND changed_at >= $3 AND changed_at <= $4
		ORDER BY changed_at DESC`, service, env, since, until)
	if err != nil {
		return nil, fmt.Errorf("list config changes: %w", err)
	}
	defer rows.Close()
	var out []types.ConfigChange
	for rows.Next() {
		var ev types.ConfigChange
		if err := rows.Scan(&ev.ID, &ev.Service, &ev.Env, &ev.ChangedAt, &ev.Actor, &ev.Diff, &ev.Source); err != nil {
			return nil, fmt.Errorf("scan config change: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
