package db

import (
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestBuildFileQuery(t *testing.T) {
	folder := uuid.MustParse("7b0c1d38-6a52-4c59-9df4-1b7f5c3e9a10")

	tests := []struct {
		name     string
		filter   FileFilter
		contains []string
		absent   []string
		args     []any
	}{
		{
			name:   "no filter",
			filter: FileFilter{},
			absent: []string{"WHERE", "LIMIT", "OFFSET"},
		},
		{
			name:     "folder and category",
			filter:   FileFilter{FolderID: &folder, Category: CategoryImage},
			contains: []string{"WHERE f.folder_id = $1 AND f.category = $2"},
			args:     []any{folder, "IMAGE"},
		},
		{
			name:     "query is lowered and reused",
			filter:   FileFilter{Query: "  Report "},
			contains: []string{"lower(f.title) LIKE $1", "lower(f.original_filename) LIKE $1"},
			args:     []any{"%report%"},
		},
		{
			name:     "tag with paging",
			filter:   FileFilter{Tag: "work", Limit: 20, Offset: 40},
			contains: []string{"t.name = $1", "LIMIT $2", "OFFSET $3"},
			args:     []any{"work", 20, 40},
		},
		{
			name:   "blank query ignored",
			filter: FileFilter{Query: "   "},
			absent: []string{"WHERE"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := buildFileQuery(tt.filter)

			for _, want := range tt.contains {
				if !strings.Contains(query, want) {
					t.Errorf("query missing %q:\n%s", want, query)
				}
			}
			for _, unwanted := range tt.absent {
				if strings.Contains(query, unwanted) {
					t.Errorf("query should not contain %q:\n%s", unwanted, query)
				}
			}
			if len(tt.args) == 0 && len(args) == 0 {
				return
			}
			if !reflect.DeepEqual(args, tt.args) {
				t.Errorf("args = %v, want %v", args, tt.args)
			}
		})
	}
}

func TestPrefixColumns(t *testing.T) {
	got := prefixColumns("f", "id, title,\n\tmime_type")
	want := "f.id, f.title, f.mime_type"
	if got != want {
		t.Errorf("prefixColumns() = %q, want %q", got, want)
	}
}

func TestNormalizeTagNames(t *testing.T) {
	got := NormalizeTagNames([]string{" work ", "", "home", "work", "  "})
	want := []string{"work", "home"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeTagNames() = %v, want %v", got, want)
	}
}
