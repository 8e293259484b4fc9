package server

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/vonshlovens/drivesync-pg/internal/common"
	"github.com/vonshlovens/drivesync-pg/internal/db"
	"github.com/vonshlovens/drivesync-pg/internal/manager"
	"github.com/vonshlovens/drivesync-pg/internal/upload"
)

type createFolderRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description"`
	ParentID    string  `json:"parentId"`
}

type moveFileRequest struct {
	FolderID string `json:"folderId"`
}

type bulkDeleteRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

type bulkDeleteResponse struct {
	Deleted []uuid.UUID `json:"deleted"`
	Error   string      `json:"error,omitempty"`
}

type tagRequest struct {
	Name string `json:"name"`
}

func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return fmt.Errorf("malformed request body: %w", common.ErrValidation)
	}
	return nil
}

func fileID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid file id: %w", common.ErrValidation)
	}
	return id, nil
}

// parseTags reads a JSON array of tag names; anything else yields no tags
func parseTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return []string{}
	}
	return tags
}

func (s *Server) getStatus(c *fiber.Ctx) error {
	status, err := s.manager.Status(c.UserContext())
	if err != nil {
		return err
	}
	return ok(c, status)
}

func (s *Server) fullSync(c *fiber.Ctx) error {
	report, err := s.syncer.FullSync(c.UserContext())
	if err != nil {
		return err
	}
	return ok(c, report)
}

// quickSync reports a bad folder id as such. Every other failure, including
// Drive rejecting the service account, is a server error.
func (s *Server) quickSync(c *fiber.Ctx) error {
	folderID := c.Params("folderId")
	err := s.syncer.QuickSync(c.UserContext(), folderID)
	switch common.Categorize(err) {
	case "":
		return ok(c, nil)
	case common.CategoryNotFound, common.CategoryValidation:
		return err
	}
	s.logger.Error("quick sync failed", "folder", folderID, "error", err)
	return fiber.NewError(fiber.StatusInternalServerError, common.UserMessage(fmt.Errorf("quick sync: %v", err)))
}

func (s *Server) upload(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return fmt.Errorf("file is required: %w", common.ErrValidation)
	}

	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}

	req := upload.Request{
		Principal:      principalOf(c),
		Filename:       fh.Filename,
		Content:        content,
		ContentType:    fh.Header.Get(fiber.HeaderContentType),
		FolderRemoteID: c.FormValue("folderId"),
		Tags:           parseTags(c.FormValue("tags")),
	}
	if desc := c.FormValue("description"); desc != "" {
		req.Description = &desc
	}

	result, err := s.uploader.Upload(c.UserContext(), req)
	if err != nil {
		return err
	}
	return created(c, result)
}

func (s *Server) getFolder(c *fiber.Ctx) error {
	view, err := s.manager.GetFolder(c.UserContext(), c.Params("folderId"))
	if err != nil {
		return err
	}
	return ok(c, view)
}

func (s *Server) listFavorites(c *fiber.Ctx) error {
	folders, err := s.manager.Favorites(c.UserContext())
	if err != nil {
		return err
	}
	return ok(c, folders)
}

func (s *Server) createFolder(c *fiber.Ctx) error {
	var req createFolderRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	folder, err := s.manager.CreateFolder(c.UserContext(), principalOf(c), req.Title, req.Description, req.ParentID)
	if err != nil {
		return err
	}
	return created(c, folder)
}

func (s *Server) updateFolder(c *fiber.Ctx) error {
	var changes manager.FolderChanges
	if err := parseBody(c, &changes); err != nil {
		return err
	}
	folder, err := s.manager.UpdateFolder(c.UserContext(), c.Params("folderId"), changes)
	if err != nil {
		return err
	}
	return ok(c, folder)
}

func (s *Server) toggleFavorite(c *fiber.Ctx) error {
	folder, err := s.manager.ToggleFavorite(c.UserContext(), c.Params("folderId"))
	if err != nil {
		return err
	}
	return ok(c, folder)
}

func (s *Server) deleteFolder(c *fiber.Ctx) error {
	if err := s.manager.DeleteFolder(c.UserContext(), c.Params("folderId")); err != nil {
		return err
	}
	return ok(c, nil)
}

func (s *Server) searchFiles(c *fiber.Ctx) error {
	filter := db.FileFilter{
		Query:  c.Query("q"),
		Tag:    c.Query("tag"),
		Limit:  c.QueryInt("limit"),
		Offset: c.QueryInt("offset"),
	}

	if cat := strings.ToUpper(c.Query("category")); cat != "" {
		switch db.Category(cat) {
		case db.CategoryImage, db.CategoryVideo, db.CategoryDocument:
			filter.Category = db.Category(cat)
		default:
			return fmt.Errorf("unknown category %q: %w", cat, common.ErrValidation)
		}
	}

	if folderID := c.Query("folderId"); folderID != "" {
		view, err := s.manager.GetFolder(c.UserContext(), folderID)
		if err != nil {
			return err
		}
		filter.FolderID = &view.Folder.ID
	}

	files, err := s.manager.Search(c.UserContext(), filter)
	if err != nil {
		return err
	}
	return ok(c, files)
}

func (s *Server) getFile(c *fiber.Ctx) error {
	id, err := fileID(c)
	if err != nil {
		return err
	}
	file, err := s.manager.GetFile(c.UserContext(), id)
	if err != nil {
		return err
	}
	return ok(c, file)
}

func (s *Server) updateFile(c *fiber.Ctx) error {
	id, err := fileID(c)
	if err != nil {
		return err
	}
	var changes manager.FileChanges
	if err := parseBody(c, &changes); err != nil {
		return err
	}
	file, err := s.manager.UpdateFile(c.UserContext(), id, changes)
	if err != nil {
		return err
	}
	return ok(c, file)
}

func (s *Server) moveFile(c *fiber.Ctx) error {
	id, err := fileID(c)
	if err != nil {
		return err
	}
	var req moveFileRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	file, err := s.manager.MoveFile(c.UserContext(), id, req.FolderID)
	if err != nil {
		return err
	}
	return ok(c, file)
}

func (s *Server) deleteFile(c *fiber.Ctx) error {
	id, err := fileID(c)
	if err != nil {
		return err
	}
	if err := s.manager.DeleteFile(c.UserContext(), id); err != nil {
		return err
	}
	return ok(c, nil)
}

func (s *Server) bulkDeleteFiles(c *fiber.Ctx) error {
	var req bulkDeleteRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if len(req.IDs) == 0 {
		return fmt.Errorf("no files selected: %w", common.ErrValidation)
	}

	deleted, err := s.manager.BulkDeleteFiles(c.UserContext(), req.IDs)
	resp := bulkDeleteResponse{Deleted: deleted}
	if err != nil {
		if len(deleted) == 0 {
			return err
		}
		s.logger.Warn("bulk delete partially failed", "requested", len(req.IDs), "deleted", len(deleted), "error", err)
		resp.Error = common.UserMessage(err)
	}
	return ok(c, resp)
}

func (s *Server) listTags(c *fiber.Ctx) error {
	tags, err := s.manager.ListTags(c.UserContext())
	if err != nil {
		return err
	}
	return ok(c, tags)
}

func (s *Server) createTag(c *fiber.Ctx) error {
	var req tagRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	tag, err := s.manager.CreateTag(c.UserContext(), req.Name)
	if err != nil {
		return err
	}
	return created(c, tag)
}

func (s *Server) renameTag(c *fiber.Ctx) error {
	var req tagRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	tag, err := s.manager.RenameTag(c.UserContext(), c.Params("name"), req.Name)
	if err != nil {
		return err
	}
	return ok(c, tag)
}

func (s *Server) deleteTag(c *fiber.Ctx) error {
	if err := s.manager.DeleteTag(c.UserContext(), c.Params("name")); err != nil {
		return err
	}
	return ok(c, nil)
}
