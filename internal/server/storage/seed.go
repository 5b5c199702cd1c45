package storage

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ioteventfeed/feedsync/internal/model"
)

// BcryptCost is the work factor for stored password hashes.
const BcryptCost = 10

// DemoCredentials are the username/password pairs of the seeded accounts.
var DemoCredentials = []struct{ Username, Password string }{
	{"admin", "admin123"},
	{"user1", "password123"},
	{"demo", "demo123"},
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("storage: hash password: %w", err)
	}
	return string(b), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// SeedAccounts returns the demo accounts with fresh ids.
func SeedAccounts() ([]Account, error) {
	profiles := map[string]model.User{
		"admin": {Email: "admin@ioteventfeed.com", Name: "Admin User", Role: "administrator"},
		"user1": {Email: "user1@ioteventfeed.com", Name: "John Doe", Role: "user"},
		"demo":  {Email: "demo@ioteventfeed.com", Name: "Demo User", Role: "user"},
	}
	accounts := make([]Account, 0, len(DemoCredentials))
	for _, c := range DemoCredentials {
		hash, err := HashPassword(c.Password)
		if err != nil {
			return nil, err
		}
		u := profiles[c.Username]
		u.ID = uuid.NewString()
		u.Username = c.Username
		accounts = append(accounts, Account{User: u, PasswordHash: hash})
	}
	return accounts, nil
}

// LogFiles returns the names of the system_log_*.txt files in dir, sorted.
// A missing directory yields no files.
func LogFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "system_log_") && strings.HasSuffix(name, ".txt") {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files
}

func fileURL(files []string, i int) string {
	if len(files) == 0 {
		return ""
	}
	return "/api/files/" + files[i%len(files)]
}

type device struct{ id, name, location string }

var devices = []device{
	{"DEVICE-001", "Device - Main Entrance", "Main Entrance, Building A"},
	{"DEVICE-002", "Device - Server Room Access", "Server Room, Floor 3"},
	{"DEVICE-003", "Device - Executive Floor", "Executive Floor, Building B"},
	{"DEVICE-004", "Device - Parking Garage", "Parking Garage, Level 2"},
	{"DEVICE-005", "Device - Research Lab", "Research Lab, Building C"},
	{"DEVICE-006", "Device - Data Center", "Data Center, Basement"},
	{"DEVICE-007", "Device - Warehouse Entrance", "Warehouse Entrance, Building D"},
	{"DEVICE-008", "Device - Conference Room", "Conference Room, Floor 5"},
	{"DEVICE-009", "Device - IT Office", "IT Office, Floor 2"},
	{"DEVICE-010", "Device - Lobby", "Lobby, Building A"},
}

// SeedEvents returns the demo event set relative to now: fifteen curated
// events followed by generated events #16 to #50. files are the attachment
// names events may reference.
func SeedEvents(now time.Time, files []string) []model.Event {
	type curated struct {
		dev      int
		typ      string
		severity model.Severity
		message  string
		ago      time.Duration
		file     int
	}
	list := []curated{
		{0, "facial_authentication", model.SeverityInfo, "Facial authentication successful", 5 * time.Minute, -1},
		{1, "facial_authentication", model.SeverityWarning, "Facial authentication failed", 12 * time.Minute, -1},
		{0, "tailgating_detection", model.SeverityCritical, "Tailgating detected - Unauthorized person followed authorized user", 18 * time.Minute, 1},
		{2, "facial_authentication", model.SeverityInfo, "Facial authentication successful", 25 * time.Minute, -1},
		{1, "access_denied", model.SeverityWarning, "Access denied - Authentication failure after 3 attempts", 32 * time.Minute, -1},
		{3, "facial_authentication", model.SeverityInfo, "Facial authentication successful", 45 * time.Minute, -1},
		{0, "tailgating_detection", model.SeverityCritical, "Tailgating detected - Multiple unauthorized individuals", time.Hour, 2},
		{4, "facial_authentication", model.SeverityInfo, "Facial authentication successful", 45 * time.Minute, -1},
		{2, "access_denied", model.SeverityError, "Access denied - Face mask detected, authentication required", 30 * time.Minute, -1},
		{5, "facial_authentication", model.SeverityInfo, "Facial authentication successful", 2 * time.Hour, -1},
		{1, "system", model.SeverityError, "System error - Camera calibration required", 100 * time.Minute, 0},
		{0, "facial_authentication", model.SeverityInfo, "Facial authentication successful", 3 * time.Hour, -1},
		{3, "tailgating_detection", model.SeverityCritical, "Tailgating detected - Vehicle tailgating through gate", 150 * time.Minute, 3},
		{6, "facial_authentication", model.SeverityWarning, "Facial authentication failed - Low confidence match", 4 * time.Hour, -1},
		{4, "facial_authentication", model.SeverityInfo, "Facial authentication successful", 195 * time.Minute, -1},
	}

	events := make([]model.Event, 0, 50)
	for _, c := range list {
		d := devices[c.dev]
		e := model.Event{
			ID:         uuid.NewString(),
			DeviceID:   d.id,
			DeviceName: d.name,
			Type:       c.typ,
			Severity:   c.severity,
			Message:    c.message,
			Timestamp:  now.Add(-c.ago).Truncate(time.Millisecond),
			Location:   d.location,
		}
		if c.file >= 0 {
			e.DownloadURL = fileURL(files, c.file)
		}
		events = append(events, e)
	}

	types := []string{"facial_authentication", "tailgating_detection", "access_denied"}
	severities := []model.Severity{model.SeverityInfo, model.SeverityCritical, model.SeverityWarning}
	messages := []string{"Facial authentication successful", "Tailgating detected", "Access denied"}
	for i := 16; i <= 50; i++ {
		idx := i % 10
		kind := idx % 3
		if idx == 3 || idx == 4 || idx == 7 || idx == 8 {
			kind = 0
		}
		d := devices[idx]
		e := model.Event{
			ID:         uuid.NewString(),
			DeviceID:   d.id,
			DeviceName: d.name,
			Type:       types[kind],
			Severity:   severities[kind],
			Message:    fmt.Sprintf("%s - Event #%d", messages[kind], i),
			Timestamp:  now.Add(-time.Duration(i/2)*time.Hour - time.Duration(i%60)*time.Minute).Truncate(time.Millisecond),
			Location:   d.location,
		}
		if len(files) > 0 {
			switch {
			case i%7 == 0:
				e.Severity = model.SeverityError
				e.DownloadURL = fileURL(files, i/7)
			case e.Type == "tailgating_detection" && i%3 == 0:
				e.DownloadURL = fileURL(files, i/3)
			}
		}
		events = append(events, e)
	}

	model.SortEvents(events)
	return events
}

// NewSyntheticEvent returns a generated event stamped at now, used by the
// emitter to keep the feed moving.
func NewSyntheticEvent(now time.Time, seq int) model.Event {
	d := devices[seq%len(devices)]
	e := model.Event{
		ID:         uuid.NewString(),
		DeviceID:   d.id,
		DeviceName: d.name,
		Type:       "facial_authentication",
		Severity:   model.SeverityInfo,
		Message:    fmt.Sprintf("Facial authentication successful - Live event #%d", seq),
		Timestamp:  now.Truncate(time.Millisecond),
		Location:   d.location,
	}
	if seq%5 == 0 {
		e.Type = "tailgating_detection"
		e.Severity = model.SeverityCritical
		e.Message = fmt.Sprintf("Tailgating detected - Live event #%d", seq)
	}
	return e
}
