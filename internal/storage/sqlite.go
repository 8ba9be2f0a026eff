package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage handles all database operations
type Storage struct {
	db *sql.DB
}

// NewStorage creates a new Storage instance, opening/creating the DB and initializing schema
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &Storage{db: db}

	// Initialize schema
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// initSchema creates tables and indices if they don't exist
func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL,
		security_mode TEXT,
		security_policy TEXT,
		root_node_id TEXT,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		node_count INTEGER DEFAULT 0,
		error_count INTEGER DEFAULT 0,
		read_count INTEGER DEFAULT 0,
		browse_count INTEGER DEFAULT 0,
		transaction_count INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS nodes (
		run_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		browse_name TEXT,
		display_name TEXT,
		node_class TEXT,
		depth INTEGER DEFAULT 0,
		error TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, node_id),
		FOREIGN KEY (run_id) REFERENCES runs(run_id)
	);

	CREATE TABLE IF NOT EXISTS edges (
		edge_id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		from_node_id TEXT NOT NULL,
		to_node_id TEXT NOT NULL,
		reference_type TEXT,
		cross_reference INTEGER DEFAULT 0,
		weight INTEGER DEFAULT 1,
		FOREIGN KEY (run_id) REFERENCES runs(run_id),
		UNIQUE(run_id, from_node_id, to_node_id)
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_browse_name ON nodes(run_id, browse_name);
	CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(run_id, from_node_id);
	CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(run_id, to_node_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// BeginRun records the start of a run
func (s *Storage) BeginRun(run Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (run_id, endpoint, security_mode, security_policy, root_node_id, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.RunID, run.Endpoint, run.SecurityMode, run.SecurityPolicy, run.RootNodeID, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// FinishRun stores the final counters of a run
func (s *Storage) FinishRun(run Run) error {
	_, err := s.db.Exec(`
		UPDATE runs SET
			finished_at = ?,
			node_count = ?,
			error_count = ?,
			read_count = ?,
			browse_count = ?,
			transaction_count = ?
		WHERE run_id = ?
	`, run.FinishedAt, run.NodeCount, run.ErrorCount, run.ReadCount, run.BrowseCount, run.TransactionCount, run.RunID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id, returns nil if not found
func (s *Storage) GetRun(runID string) (*Run, error) {
	var run Run
	var finished sql.NullTime
	err := s.db.QueryRow(`
		SELECT run_id, endpoint, security_mode, security_policy, root_node_id, started_at, finished_at,
			node_count, error_count, read_count, browse_count, transaction_count
		FROM runs
		WHERE run_id = ?
	`, runID).Scan(&run.RunID, &run.Endpoint, &run.SecurityMode, &run.SecurityPolicy, &run.RootNodeID,
		&run.StartedAt, &finished, &run.NodeCount, &run.ErrorCount, &run.ReadCount, &run.BrowseCount,
		&run.TransactionCount)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}

	return &run, nil
}

// WriteSnapshot stores the nodes and edges of a run in one transaction.
// Existing rows of the run are updated in place; edge weights accumulate
func (s *Storage) WriteSnapshot(runID string, nodes []*Node, edges []*Edge) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	nodeStmt, err := tx.Prepare(`
		INSERT INTO nodes (run_id, node_id, browse_name, display_name, node_class, depth, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, node_id) DO UPDATE SET
			browse_name = EXCLUDED.browse_name,
			display_name = EXCLUDED.display_name,
			node_class = EXCLUDED.node_class,
			error = EXCLUDED.error
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare node insert: %w", err)
	}
	defer nodeStmt.Close()

	for _, n := range nodes {
		createdAt := n.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := nodeStmt.Exec(runID, n.NodeID, n.BrowseName, n.DisplayName, n.NodeClass, n.Depth, n.Error, createdAt); err != nil {
			return fmt.Errorf("failed to upsert node %s: %w", n.NodeID, err)
		}
	}

	edgeStmt, err := tx.Prepare(`
		INSERT INTO edges (run_id, from_node_id, to_node_id, reference_type, cross_reference, weight)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, from_node_id, to_node_id) DO UPDATE SET
			weight = weight + EXCLUDED.weight
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare edge insert: %w", err)
	}
	defer edgeStmt.Close()

	for _, e := range edges {
		weight := e.Weight
		if weight < 1 {
			weight = 1
		}
		if _, err := edgeStmt.Exec(runID, e.FromNodeID, e.ToNodeID, e.ReferenceType, e.CrossReference, weight); err != nil {
			return fmt.Errorf("failed to upsert edge %s -> %s: %w", e.FromNodeID, e.ToNodeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// GetNode retrieves a node of a run, returns nil if not found
func (s *Storage) GetNode(runID, nodeID string) (*Node, error) {
	var node Node
	var errText sql.NullString
	err := s.db.QueryRow(`
		SELECT node_id, browse_name, display_name, node_class, depth, error, created_at
		FROM nodes
		WHERE run_id = ? AND node_id = ?
	`, runID, nodeID).Scan(&node.NodeID, &node.BrowseName, &node.DisplayName, &node.NodeClass, &node.Depth, &errText, &node.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	node.Error = errText.String

	return &node, nil
}

// CountNodes returns the number of nodes stored for a run
func (s *Storage) CountNodes(runID string) (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM nodes WHERE run_id = ?", runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return n, nil
}

// LoadEdges returns all edges of a run ordered by insertion
func (s *Storage) LoadEdges(runID string) ([]*Edge, error) {
	rows, err := s.db.Query(`
		SELECT from_node_id, to_node_id, reference_type, cross_reference, weight
		FROM edges
		WHERE run_id = ?
		ORDER BY edge_id ASC
	`, runID)

	if err != nil {
		return nil, fmt.Errorf("failed to load edges: %w", err)
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		var edge Edge
		if err := rows.Scan(&edge.FromNodeID, &edge.ToNodeID, &edge.ReferenceType, &edge.CrossReference, &edge.Weight); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, &edge)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}

	return edges, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}
