package db

import (
	"errors"
	"testing"
)

func TestCreateAndGetUser(t *testing.T) {
	db := setupTestDB(t)

	u := &User{Name: "alice", Timezone: "Europe/Berlin", ProviderToken: "tok", Active: true}
	if err := db.CreateUser(u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if u.ID == "" {
		t.Fatal("expected user ID to be assigned")
	}

	got, err := db.GetUser(u.ID)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got.Timezone != "Europe/Berlin" {
		t.Errorf("timezone mismatch: %q", got.Timezone)
	}
	if _, err := got.Location(); err != nil {
		t.Errorf("Location failed: %v", err)
	}
}

func TestCreateUserRejectsBadTimezone(t *testing.T) {
	db := setupTestDB(t)

	u := &User{Name: "bob", Timezone: "Not/AZone"}
	if err := db.CreateUser(u); err == nil {
		t.Error("expected error for invalid timezone")
	}
}

func TestActiveUsersFiltering(t *testing.T) {
	db := setupTestDB(t)

	active := &User{Name: "active", Timezone: "UTC", ProviderToken: "tok", Active: true}
	inactive := &User{Name: "inactive", Timezone: "UTC", ProviderToken: "tok", Active: false}
	tokenless := &User{Name: "tokenless", Timezone: "UTC", Active: true}
	for _, u := range []*User{active, inactive, tokenless} {
		if err := db.CreateUser(u); err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
	}

	users, err := db.ActiveUsers()
	if err != nil {
		t.Fatalf("ActiveUsers failed: %v", err)
	}
	if len(users) != 1 || users[0].Name != "active" {
		t.Errorf("expected only the active tokened user, got %+v", users)
	}
}

func TestGetUserNotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.GetUser("missing")
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}
