// Package access resolves whether a user may operate on a container. Access is
// derived from project ownership and team membership stored in SQLite.
//
// The gateway only reads the store. The panel's sync job owns the rows and
// writes them through UpsertProject, UpsertContainer, AddTeamMember and
// RemoveTeamMember.
package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrContainerNotFound is returned when no container matches the id.
	ErrContainerNotFound = errors.New("container not found")
	// ErrAccessDenied is returned when the user neither owns the project nor
	// belongs to its team.
	ErrAccessDenied = errors.New("access denied")
)

// Target is a container the caller has been authorized to operate on.
type Target struct {
	// ContainerID is the panel's own container id.
	ContainerID string
	// RuntimeID is the id the container runtime knows it by.
	RuntimeID string
	ProjectID string
}

// Store provides permission lookups backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying access migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates projects and containers.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			team_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS containers (
			id TEXT PRIMARY KEY,
			docker_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_containers_docker ON containers(docker_id);
	`)
	return err
}

// migrateV2 adds team membership.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS team_members (
			team_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (team_id, user_id)
		);
	`)
	return err
}

// Resolve authorizes userID against containerID, which may be either the
// panel's container id or the runtime's container id. A panel id match wins
// over a runtime id match.
func (s *Store) Resolve(ctx context.Context, userID, containerID string) (Target, error) {
	var (
		t      Target
		owner  string
		teamID string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.docker_id, p.id, p.owner_id, p.team_id
		FROM containers c
		JOIN projects p ON p.id = c.project_id
		WHERE c.id = ? OR (c.docker_id != '' AND c.docker_id = ?)
		ORDER BY (c.id = ?) DESC
		LIMIT 1
	`, containerID, containerID, containerID).Scan(&t.ContainerID, &t.RuntimeID, &t.ProjectID, &owner, &teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return Target{}, ErrContainerNotFound
	}
	if err != nil {
		return Target{}, fmt.Errorf("lookup container: %w", err)
	}

	if t.RuntimeID == "" {
		t.RuntimeID = t.ContainerID
	}

	if owner == userID {
		return t, nil
	}
	if teamID == "" {
		return Target{}, ErrAccessDenied
	}

	var member int
	err = s.db.QueryRowContext(ctx,
		"SELECT 1 FROM team_members WHERE team_id = ? AND user_id = ?", teamID, userID,
	).Scan(&member)
	if errors.Is(err, sql.ErrNoRows) {
		return Target{}, ErrAccessDenied
	}
	if err != nil {
		return Target{}, fmt.Errorf("lookup team membership: %w", err)
	}

	return t, nil
}

// UpsertProject inserts or updates a project's ownership.
func (s *Store) UpsertProject(ctx context.Context, projectID, ownerID, teamID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, team_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id, team_id = excluded.team_id
	`, projectID, ownerID, teamID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", projectID, err)
	}
	return nil
}

// UpsertContainer registers a container under a project.
func (s *Store) UpsertContainer(ctx context.Context, containerID, runtimeID, projectID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO containers (id, docker_id, project_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET docker_id = excluded.docker_id, project_id = excluded.project_id
	`, containerID, runtimeID, projectID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert container %s: %w", containerID, err)
	}
	return nil
}

// AddTeamMember adds a user to a team. Adding an existing member is a no-op.
func (s *Store) AddTeamMember(ctx context.Context, teamID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO team_members (team_id, user_id) VALUES (?, ?)", teamID, userID)
	if err != nil {
		return fmt.Errorf("add team member: %w", err)
	}
	return nil
}

// RemoveTeamMember removes a user from a team.
func (s *Store) RemoveTeamMember(ctx context.Context, teamID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM team_members WHERE team_id = ? AND user_id = ?", teamID, userID)
	if err != nil {
		return fmt.Errorf("remove team member: %w", err)
	}
	return nil
}
