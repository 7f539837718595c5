// Package httpserver exposes the report-keeper HTTP API on echo.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/and161185/report-keeper/internal/blob"
	"github.com/and161185/report-keeper/internal/errs"
	"github.com/and161185/report-keeper/internal/model"
	"github.com/and161185/report-keeper/internal/service"
)

// Server wires services into echo handlers.
type Server struct {
	sessions  service.SessionManager
	identity  service.IdentityService
	ledger    service.LedgerService
	files     service.AttachmentStore
	links     *service.FileLinks
	log       *zap.Logger
	bodyLimit string
}

// New constructs the HTTP API. bodyLimit uses echo's notation, e.g. "32M"; empty disables it.
func New(
	sessions service.SessionManager,
	identity service.IdentityService,
	ledger service.LedgerService,
	files service.AttachmentStore,
	links *service.FileLinks,
	bodyLimit string,
	log *zap.Logger,
) *Server {
	return &Server{
		sessions:  sessions,
		identity:  identity,
		ledger:    ledger,
		files:     files,
		links:     links,
		log:       log,
		bodyLimit: bodyLimit,
	}
}

// Echo builds the router with middleware and every route.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(s.log)

	e.Use(RequestID(), Logging(s.log), Recover(s.log), RemoteIP())
	if s.bodyLimit != "" {
		e.Use(middleware.BodyLimit(s.bodyLimit))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, envelope{"status": "ok"})
	})

	api := e.Group("/api")
	user := RequireSession(s.sessions)
	admin := RequireAdmin(s.sessions)

	api.GET("/", func(c echo.Context) error {
		return ok(c, http.StatusOK, "Welcome to the Report API", nil)
	})

	api.POST("/auth/login", s.login)
	api.POST("/auth/login/verify", s.verify)
	api.POST("/auth/logout", s.logout)

	api.POST("/users/add", s.addUser, admin)
	api.GET("/users", s.listUsers, admin)
	api.GET("/profile", s.profile, user)
	api.PATCH("/profile/edit", s.editProfile, user)

	api.POST("/reports/add", s.addReport, user)
	api.GET("/reports", s.listReports, user)
	api.GET("/reports/:id", s.getReport, user)
	api.PATCH("/reports/edit", s.editReport, user)
	api.DELETE("/reports/delete/:id", s.deleteReport, user)
	api.POST("/reports/validate", s.validateDay, admin)

	api.GET("/files/*", s.downloadFile)
	api.POST("/files/links", s.fileLink, user)

	api.POST("/admin/database/reset", s.reset, admin)
	return e
}

// --- Auth ---

func (s *Server) login(c echo.Context) error {
	var creds model.Credentials
	if err := c.Bind(&creds); err != nil {
		return fmt.Errorf("bad body: %w", errs.ErrInvalidInput)
	}
	out, err := s.sessions.Login(c.Request().Context(), creds)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, out.Message, envelope{"api_key": out.APIKey, "email": out.Email})
}

type verifyRequest struct {
	Code string `json:"code" form:"code"`
}

func (s *Server) verify(c echo.Context) error {
	key, err := apiKeyFromRequest(c.Request())
	if err != nil {
		return fmt.Errorf("%s: %w", err, errs.ErrInvalidAPIKey)
	}
	code := c.QueryParam("code")
	if code == "" {
		var req verifyRequest
		if err := c.Bind(&req); err != nil {
			return fmt.Errorf("bad body: %w", errs.ErrInvalidInput)
		}
		code = req.Code
	}
	out, err := s.sessions.Verify(c.Request().Context(), key, code)
	if err != nil {
		return err
	}
	payload := envelope{"approved": out.Approved}
	if out.Reinitialised {
		payload["api_key"] = out.APIKey
	}
	return ok(c, http.StatusOK, out.Message, payload)
}

func (s *Server) logout(c echo.Context) error {
	key, err := apiKeyFromRequest(c.Request())
	if err != nil {
		return fmt.Errorf("%s: %w", err, errs.ErrInvalidAPIKey)
	}
	sess, err := s.sessions.Logout(c.Request().Context(), key)
	if err != nil {
		return err
	}
	info := *sess
	info.CodeHash, info.CodeSalt = nil, nil
	return ok(c, http.StatusOK, "Successfully logged out", envelope{"session_info": info})
}

// --- Users ---

func (s *Server) addUser(c echo.Context) error {
	var in model.NewUser
	if err := c.Bind(&in); err != nil {
		return fmt.Errorf("bad body: %w", errs.ErrInvalidInput)
	}
	u, err := s.identity.CreateUser(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return ok(c, http.StatusCreated, "User added successfully", envelope{"user": u})
}

func (s *Server) listUsers(c echo.Context) error {
	users, err := s.identity.List(c.Request().Context())
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, "", envelope{"users": users})
}

func (s *Server) profile(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, "", envelope{"user": p.User})
}

func (s *Server) editProfile(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	u, err := s.identity.UpdateProfile(ctx, p.User.ID, model.ProfilePatch{
		Username: c.FormValue("username"),
		Fullname: c.FormValue("fullname"),
		Phone:    c.FormValue("phone"),
	})
	if err != nil {
		return err
	}
	imgs, err := uploads(c, "profile_image")
	if err != nil {
		return err
	}
	if len(imgs) > 0 {
		if u, err = s.identity.SetProfileImage(ctx, p.User.ID, imgs[0]); err != nil {
			return err
		}
	}
	return ok(c, http.StatusOK, "Profile updated successfully", envelope{"user": u})
}

// --- Reports ---

func (s *Server) addReport(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	extra, err := extraFields(c.FormValue("extra_fields"))
	if err != nil {
		return err
	}
	files, err := uploads(c, "files")
	if err != nil {
		return err
	}
	rec, err := s.ledger.AddRecord(c.Request().Context(), p.User.ID, service.NewRecord{
		Title:       c.FormValue("title"),
		Text:        c.FormValue("text"),
		Day:         c.FormValue("day"),
		ExtraFields: extra,
		Files:       files,
	})
	if err != nil {
		return err
	}
	return ok(c, http.StatusCreated, "Report added successfully", envelope{"report": rec})
}

func (s *Server) listReports(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	ledgers, err := s.ledger.ListRecords(c.Request().Context(), p.User.ID, p.IsAdmin())
	if err != nil {
		return err
	}
	if !p.IsAdmin() {
		return ok(c, http.StatusOK, "", envelope{"reports": ledgers[p.User.ID]})
	}
	return ok(c, http.StatusOK, "", envelope{"reports": ledgers})
}

func (s *Server) getReport(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := idParam(c.Param("id"))
	if err != nil {
		return err
	}
	rec, err := s.ledger.GetRecord(c.Request().Context(), p.User.ID, p.IsAdmin(), id)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, "", envelope{"report": rec})
}

func (s *Server) editReport(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := idParam(c.FormValue("record_id"))
	if err != nil {
		return err
	}
	var extra []model.ExtraField
	if raw := c.FormValue("extra_fields"); raw != "" {
		if extra, err = extraFields(raw); err != nil {
			return err
		}
	}
	toDelete, err := idList(c, "files_to_delete")
	if err != nil {
		return err
	}
	files, err := uploads(c, "files")
	if err != nil {
		return err
	}
	rec, err := s.ledger.EditRecord(c.Request().Context(), p.User.ID, service.RecordPatch{
		RecordID:      id,
		Day:           c.FormValue("day"),
		Title:         c.FormValue("title"),
		Text:          c.FormValue("text"),
		ExtraFields:   extra,
		FilesToDelete: toDelete,
		NewFiles:      files,
	})
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, "Report updated successfully", envelope{"report": rec})
}

func (s *Server) deleteReport(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := idParam(c.Param("id"))
	if err != nil {
		return err
	}
	rec, err := s.ledger.DeleteRecord(c.Request().Context(), p.User.ID, c.QueryParam("day"), id)
	if err != nil && rec != nil && errors.Is(err, errs.ErrStorage) {
		s.log.Warn("report deleted with orphaned attachments", zap.Int64("record_id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, envelope{
			"ok":      false,
			"message": "report deleted but its files could not be removed",
			"report":  rec,
		})
	}
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, "Report deleted successfully", envelope{"report": rec})
}

type validateRequest struct {
	UserID int64  `json:"user_id" form:"user_id"`
	Day    string `json:"day" form:"day"`
}

func (s *Server) validateDay(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("bad body: %w", errs.ErrInvalidInput)
	}
	b, err := s.ledger.ValidateDay(c.Request().Context(), p.User.ID, req.UserID, req.Day)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, "Day validated", envelope{"day": b})
}

func (s *Server) reset(c echo.Context) error {
	if err := s.ledger.Reset(c.Request().Context()); err != nil {
		return err
	}
	return ok(c, http.StatusOK, "Database reset successfully", nil)
}

// --- Files ---

type linkRequest struct {
	Path string `json:"path" form:"path"`
}

func (s *Server) fileLink(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req linkRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("bad body: %w", errs.ErrInvalidInput)
	}
	locator, err := blob.CleanLocator(req.Path)
	if err != nil {
		return err
	}
	if _, err := s.resolveFile(c.Request().Context(), p.User.ID, p.IsAdmin(), locator); err != nil {
		return err
	}
	tok, exp, err := s.links.Sign(p.User.ID, p.Session.APIKey, locator)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, "", envelope{
		"url":        "/api/files/" + locator + "?token=" + tok,
		"expires_at": exp,
	})
}

// downloadFile serves an attachment to its owner or an administrator, authorized by api key
// or by a signed link token.
func (s *Server) downloadFile(c echo.Context) error {
	ctx := c.Request().Context()
	locator, err := blob.CleanLocator(c.Param("*"))
	if err != nil {
		return err
	}

	var meta model.Attachment
	if tok := c.QueryParam("token"); tok != "" {
		grant, err := s.links.Verify(tok)
		if err != nil {
			return err
		}
		if grant.Path != locator {
			return errs.ErrForbidden
		}
		u, err := s.identity.GetByID(ctx, grant.UserID)
		if err != nil || !grant.IssuedFor(u.APIKey) {
			return fmt.Errorf("link revoked: %w", errs.ErrUnauthenticated)
		}
		p, err := s.sessions.Authorize(ctx, u.APIKey)
		if err != nil {
			return err
		}
		if meta, err = s.resolveFile(ctx, p.User.ID, p.IsAdmin(), locator); err != nil {
			return err
		}
	} else {
		key, err := apiKeyFromRequest(c.Request())
		if err != nil {
			return fmt.Errorf("%s: %w", err, errs.ErrInvalidAPIKey)
		}
		p, err := s.sessions.Authorize(ctx, key)
		if err != nil {
			return err
		}
		if meta, err = s.resolveFile(ctx, p.User.ID, p.IsAdmin(), locator); err != nil {
			return err
		}
	}

	data, err := s.files.Open(ctx, locator)
	if err != nil {
		return err
	}
	if meta.Name != "" {
		c.Response().Header().Set(echo.HeaderContentDisposition,
			mime.FormatMediaType("inline", map[string]string{"filename": meta.Name}))
	}
	return c.Blob(http.StatusOK, meta.ContentType, data)
}

// resolveFile checks that the caller may read locator and returns its descriptor.
// Report attachments must be referenced by a record visible to the caller; profile
// images are visible to their owner and administrators.
func (s *Server) resolveFile(ctx context.Context, userID int64, isAdmin bool, locator string) (model.Attachment, error) {
	parts := strings.Split(locator, "/")
	notFound := fmt.Errorf("file %s: %w", locator, errs.ErrNotFound)
	switch {
	case len(parts) == 3 && parts[0] == service.ReportsScope:
		recordID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return model.Attachment{}, notFound
		}
		rec, err := s.ledger.GetRecord(ctx, userID, isAdmin, recordID)
		if err != nil {
			return model.Attachment{}, err
		}
		for _, a := range rec.Content.Attachments {
			if a.Path == locator {
				return a, nil
			}
		}
		return model.Attachment{}, notFound
	case len(parts) == 2 && parts[0] == "users":
		base := parts[1]
		owner, err := strconv.ParseInt(strings.TrimSuffix(base, path.Ext(base)), 10, 64)
		if err != nil {
			return model.Attachment{}, notFound
		}
		if owner != userID && !isAdmin {
			return model.Attachment{}, errs.ErrForbidden
		}
		ct := mime.TypeByExtension(path.Ext(base))
		if ct == "" {
			ct = echo.MIMEOctetStream
		}
		return model.Attachment{Path: locator, ContentType: ct}, nil
	default:
		return model.Attachment{}, notFound
	}
}

// --- helpers ---

func idParam(v string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad id %q: %w", v, errs.ErrInvalidInput)
	}
	return id, nil
}

// idList accepts repeated fields and comma separated values.
func idList(c echo.Context, field string) ([]int64, error) {
	params, err := c.FormParams()
	if err != nil {
		return nil, fmt.Errorf("form: %s: %w", err, errs.ErrInvalidInput)
	}
	var out []int64
	for _, v := range params[field] {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			id, err := idParam(part)
			if err != nil {
				return nil, err
			}
			out = append(out, id)
		}
	}
	return out, nil
}

func extraFields(raw string) ([]model.ExtraField, error) {
	if raw == "" {
		return nil, nil
	}
	var out []model.ExtraField
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("extra_fields: %w", errs.ErrInvalidInput)
	}
	return out, nil
}

// uploads reads every file of a multipart field; non-multipart requests carry none.
func uploads(c echo.Context, field string) ([]model.Upload, error) {
	if !strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		return nil, nil
	}
	form, err := c.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("multipart: %w", errs.ErrInvalidInput)
	}
	out := make([]model.Upload, 0, len(form.File[field]))
	for _, fh := range form.File[field] {
		up, err := readUpload(fh)
		if err != nil {
			return nil, err
		}
		out = append(out, up)
	}
	return out, nil
}

func readUpload(fh *multipart.FileHeader) (model.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return model.Upload{}, fmt.Errorf("open upload %s: %w", fh.Filename, errs.ErrInvalidInput)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return model.Upload{}, fmt.Errorf("read upload %s: %w", fh.Filename, errs.ErrInvalidInput)
	}
	return model.Upload{Name: fh.Filename, ContentType: fh.Header.Get(echo.HeaderContentType), Data: data}, nil
}
