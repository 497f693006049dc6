package api

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfleet/controlplane/internal/app"
	"github.com/openfleet/controlplane/internal/audit"
	"github.com/openfleet/controlplane/internal/httputil"
	"github.com/openfleet/controlplane/internal/media"
)

// AppHandler serves the app package catalog: upload, metadata, and icon
// thumbnail generation.
type AppHandler struct {
	apps    app.Repository
	storage media.StorageProvider
	icons   iconEnqueuer
	audit   audit.Repository
	log     zerolog.Logger
}

// iconEnqueuer abstracts queuing an icon thumbnail job so tests can fake it without a Valkey connection.
type iconEnqueuer interface {
	EnqueueIconJob(ctx context.Context, job media.IconJob) error
}

// NewAppHandler creates a new app catalog handler.
func NewAppHandler(apps app.Repository, storage media.StorageProvider, icons iconEnqueuer, auditLog audit.Repository, log zerolog.Logger) *AppHandler {
	return &AppHandler{apps: apps, storage: storage, icons: icons, audit: auditLog, log: log.With().Str("component", "api.app").Logger()}
}

func appResponse(a *app.App) fiber.Map {
	return fiber.Map{
		"id":          a.ID,
		"name":        a.Name,
		"packageName": a.PackageName,
		"version":     a.Version,
		"iconPath":    a.IconPath,
		"sizeBytes":   a.SizeBytes,
		"uploadedAt":  a.UploadedAt.UnixMilli(),
	}
}

// List handles GET /api/apps.
func (h *AppHandler) List(c fiber.Ctx) error {
	apps, err := h.apps.List(c.Context())
	if err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not list apps")
	}
	out := make([]fiber.Map, 0, len(apps))
	for _, a := range apps {
		out = append(out, appResponse(&a))
	}
	return httputil.Success(c, out)
}

// Get handles GET /api/apps/:id.
func (h *AppHandler) Get(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid app id")
	}
	a, err := h.apps.GetByID(c.Context(), id)
	if err != nil {
		return appErr(c, err)
	}
	return httputil.Success(c, appResponse(a))
}

// Upload handles POST /api/apps. The APK is submitted as multipart form data with fields "name", "packageName",
// "version" and a file field "apk". An optional "icon" file field queues icon thumbnail generation.
func (h *AppHandler) Upload(c fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "expected multipart form data")
	}

	name, err := app.ValidateNameRequired(firstValue(form.Value["name"]))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, err.Error())
	}
	packageName, err := app.ValidatePackageName(firstValue(form.Value["packageName"]))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, err.Error())
	}
	version := firstValue(form.Value["version"])

	apkFiles := form.File["apk"]
	if len(apkFiles) != 1 {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "expected exactly one apk file")
	}
	apkHeader := apkFiles[0]

	apkFile, err := apkHeader.Open()
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "could not open apk file")
	}
	defer func() { _ = apkFile.Close() }()

	storageKey := "apks/" + uuid.NewString() + ".apk"
	if err := h.storage.Put(c.Context(), storageKey, apkFile); err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "could not store apk file")
	}

	a, err := h.apps.Create(c.Context(), app.CreateParams{
		Name:        name,
		PackageName: packageName,
		Version:     version,
		APKPath:     storageKey,
		SizeBytes:   apkHeader.Size,
	})
	if err != nil {
		return appErr(c, err)
	}

	if iconFiles := form.File["icon"]; len(iconFiles) == 1 {
		if err := h.storeIcon(c.Context(), a.ID, iconFiles[0]); err != nil {
			h.log.Warn().Err(err).Str("app_id", a.ID.String()).Msg("could not queue icon thumbnail")
		}
	}

	recordAudit(c, h.audit, "app.upload", "app", a.ID.String())
	return httputil.SuccessStatus(c, fiber.StatusCreated, appResponse(a))
}

func (h *AppHandler) storeIcon(ctx context.Context, appID uuid.UUID, header *multipart.FileHeader) error {
	contentType := header.Header.Get("Content-Type")
	if !media.IsImageContentType(contentType) {
		return fmt.Errorf("unsupported icon content type %q", contentType)
	}

	f, err := header.Open()
	if err != nil {
		return fmt.Errorf("open icon file: %w", err)
	}
	defer func() { _ = f.Close() }()

	iconKey := "apps/" + appID.String() + "-icon" + media.ExtensionFromFilename(header.Filename)
	if err := h.storage.Put(ctx, iconKey, f); err != nil {
		return fmt.Errorf("store icon file: %w", err)
	}

	return h.icons.EnqueueIconJob(ctx, media.IconJob{
		AppID:       appID.String(),
		StorageKey:  iconKey,
		ContentType: contentType,
	})
}

// Delete handles DELETE /api/apps/:id.
func (h *AppHandler) Delete(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "invalid app id")
	}
	if err := h.apps.Delete(c.Context(), id); err != nil {
		return appErr(c, err)
	}
	recordAudit(c, h.audit, "app.delete", "app", id.String())
	return httputil.SuccessStatus(c, fiber.StatusNoContent, nil)
}

func appErr(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, app.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "app not found")
	case errors.Is(err, app.ErrAlreadyExists):
		return httputil.Fail(c, fiber.StatusConflict, httputil.Conflict, "an app with this package name already exists")
	default:
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "app operation failed")
	}
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
