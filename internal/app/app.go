// Package app manages app-package metadata — the catalog of Android
// packages that can be pushed to devices via an INSTALL_APK command.
package app

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for the app package.
var (
	ErrNotFound          = errors.New("app not found")
	ErrNameLength        = errors.New("app name must be between 1 and 100 characters")
	ErrPackageNameLength = errors.New("package name must be between 1 and 255 characters")
	ErrAlreadyExists     = errors.New("an app with this package name already exists")
)

// App holds the fields read from the database for an uploaded app package.
type App struct {
	ID          uuid.UUID
	Name        string
	PackageName string
	Version     string
	APKPath     string
	IconPath    string
	SizeBytes   int64
	UploadedAt  time.Time
}

// CreateParams groups the inputs for registering a new app package.
type CreateParams struct {
	Name        string
	PackageName string
	Version     string
	APKPath     string
	SizeBytes   int64
}

// ValidateNameRequired validates and trims a name that must be present.
func ValidateNameRequired(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidatePackageName validates and trims an Android package name (e.g. "com.example.app").
func ValidatePackageName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 255 {
		return "", ErrPackageNameLength
	}
	return trimmed, nil
}

// Repository defines the data-access contract for app package operations.
type Repository interface {
	List(ctx context.Context) ([]App, error)
	GetByID(ctx context.Context, id uuid.UUID) (*App, error)
	GetByPackageName(ctx context.Context, packageName string) (*App, error)
	Create(ctx context.Context, params CreateParams) (*App, error)
	SetIconPath(ctx context.Context, id uuid.UUID, iconPath string) error
	Delete(ctx context.Context, id uuid.UUID) error
}
