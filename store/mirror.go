package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cvkhang/SlideQuick/dbopen"
	"github.com/cvkhang/SlideQuick/doc"
)

// ReplaceProjectMirror projects a materialized document into the relational
// mirror: the project row is upserted and its slides are replaced wholesale,
// in one transaction. Runs with busy-retry since the realtime save path and
// REST reads share the database.
func (s *Store) ReplaceProjectMirror(ctx context.Context, p doc.Project) error {
	if p.ID == "" {
		return errors.New("store: mirror write without a project id")
	}
	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, name, created_at, updated_at)
			VALUES (?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				name       = excluded.name,
				updated_at = excluded.updated_at`,
			p.ID, p.Name, now, now,
		)
		if err != nil {
			return fmt.Errorf("store: upsert project: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM slides WHERE project_id = ?`, p.ID); err != nil {
			return fmt.Errorf("store: clear slides: %w", err)
		}
		for i, sl := range p.Slides {
			elements, err := json.Marshal(sl.Elements)
			if err != nil {
				return fmt.Errorf("store: marshal elements: %w", err)
			}
			saved := []byte("{}")
			if len(sl.SavedContent) > 0 {
				if saved, err = json.Marshal(sl.SavedContent); err != nil {
					return fmt.Errorf("store: marshal saved content: %w", err)
				}
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO slides (id, project_id, title, content, template, background_color, text_color, slide_order, image_url, elements, saved_content)
				VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
				sl.ID, p.ID, sl.Title, sl.Content, sl.Template,
				sl.BackgroundColor, sl.TextColor, i, sl.ImageURL,
				string(elements), string(saved),
			)
			if err != nil {
				return fmt.Errorf("store: insert slide: %w", err)
			}
		}
		return nil
	})
}

// GetProject reads a project and its ordered slides back out of the mirror,
// or returns ErrNotFound.
func (s *Store) GetProject(ctx context.Context, id string) (doc.Project, error) {
	var p doc.Project
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, name FROM projects WHERE id = ?`, id).Scan(&p.ID, &p.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return doc.Project{}, ErrNotFound
	}
	if err != nil {
		return doc.Project{}, fmt.Errorf("store: get project: %w", err)
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, title, content, template, background_color, text_color, image_url, elements, saved_content
		FROM slides WHERE project_id = ? ORDER BY slide_order`, id)
	if err != nil {
		return doc.Project{}, fmt.Errorf("store: list slides: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sl       doc.Slide
			elements string
			saved    string
		)
		if err := rows.Scan(&sl.ID, &sl.Title, &sl.Content, &sl.Template,
			&sl.BackgroundColor, &sl.TextColor, &sl.ImageURL, &elements, &saved); err != nil {
			return doc.Project{}, err
		}
		if err := json.Unmarshal([]byte(elements), &sl.Elements); err != nil {
			return doc.Project{}, fmt.Errorf("store: decode elements for slide %s: %w", sl.ID, err)
		}
		if saved != "" && saved != "{}" {
			if err := json.Unmarshal([]byte(saved), &sl.SavedContent); err != nil {
				return doc.Project{}, fmt.Errorf("store: decode saved content for slide %s: %w", sl.ID, err)
			}
		}
		p.Slides = append(p.Slides, sl)
	}
	if err := rows.Err(); err != nil {
		return doc.Project{}, err
	}
	return p, nil
}
