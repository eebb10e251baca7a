package migrate

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB 迁移所需的最小接口（*pgxpool.Pool 满足）
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Runner 迁移执行器。Dir 非空时读取磁盘目录，否则使用 FS。
type Runner struct {
	Dir string
	FS  fs.FS
}

// EnsureTable 保证 schema_migrations 表存在
func EnsureTable(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version BIGINT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`)
	return err
}

// AppliedVersions 已应用版本
func AppliedVersions(ctx context.Context, db DB) (map[int64]bool, error) {
	rows, err := db.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[int64]bool)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		res[v] = true
	}
	return res, rows.Err()
}

type migrationFile struct {
	Version int64
	Path    string
}

// discoverUpMigrations 扫描 *_up.sql 按版本排序
func discoverUpMigrations(fsys fs.FS) ([]migrationFile, error) {
	var files []migrationFile
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := path.Base(p)
		if !strings.HasSuffix(name, "_up.sql") {
			return nil
		}
		// 前缀数字作为版本
		prefix, _, _ := strings.Cut(name, "_")
		ver, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil {
			return nil
		}
		files = append(files, migrationFile{Version: ver, Path: p})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Version < files[j].Version })
	return files, nil
}

func (r Runner) source() (fs.FS, error) {
	if r.Dir != "" {
		return os.DirFS(r.Dir), nil
	}
	if r.FS != nil {
		return r.FS, nil
	}
	return nil, errors.New("migrations source is empty")
}

// Pending 尚未应用的迁移版本
func (r Runner) Pending(ctx context.Context, db DB) ([]int64, error) {
	fsys, err := r.source()
	if err != nil {
		return nil, err
	}
	if err := EnsureTable(ctx, db); err != nil {
		return nil, err
	}
	applied, err := AppliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}
	ups, err := discoverUpMigrations(fsys)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, m := range ups {
		if !applied[m.Version] {
			out = append(out, m.Version)
		}
	}
	return out, nil
}

// Up 执行未应用的向上迁移，每个版本一个事务
func (r Runner) Up(ctx context.Context, db DB) error {
	fsys, err := r.source()
	if err != nil {
		return err
	}
	if err := EnsureTable(ctx, db); err != nil {
		return err
	}
	applied, err := AppliedVersions(ctx, db)
	if err != nil {
		return err
	}
	ups, err := discoverUpMigrations(fsys)
	if err != nil {
		return err
	}
	for _, m := range ups {
		if applied[m.Version] {
			continue
		}
		content, err := fs.ReadFile(fsys, m.Path)
		if err != nil {
			return err
		}
		tx, err := db.Begin(ctx)
		if err != nil {
			return err
		}
		_, execErr := tx.Exec(ctx, string(content))
		if execErr == nil {
			_, execErr = tx.Exec(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES($1,$2)`, m.Version, time.Now())
		}
		if execErr != nil {
			_ = tx.Rollback(ctx)
			return execErr
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}
