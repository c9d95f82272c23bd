package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"icinema/internal/protocol"
	"icinema/internal/rooms"
)

func TestRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()
	repo := NewRepository(db)

	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	id, err := repo.CreateRoom(ctx, "movie night", created)
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	duration := 5400.0
	user := int64(12)
	opTime := created.Add(time.Hour)
	err = repo.SaveRoom(ctx, rooms.Record{
		ID:                    id,
		VideoURL:              "https://cdn/x.m3u8",
		VideoDuration:         &duration,
		LastOperationType:     protocol.OperationPlay,
		LastOperationTime:     opTime,
		LastOperationProgress: 33.5,
		LastOperationUser:     &user,
	})
	if err != nil {
		t.Fatalf("SaveRoom failed: %v", err)
	}

	recs, err := repo.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 room, got %d", len(recs))
	}
	got := recs[0]
	if got.ID != id || got.Name != "movie night" || !got.CreatedAt.Equal(created) {
		t.Errorf("unexpected identity %+v", got)
	}
	if got.VideoURL != "https://cdn/x.m3u8" || got.VideoDuration == nil || *got.VideoDuration != duration {
		t.Errorf("unexpected video %+v", got)
	}
	if got.LastOperationType != protocol.OperationPlay || got.LastOperationProgress != 33.5 {
		t.Errorf("unexpected operation %+v", got)
	}
	if !got.LastOperationTime.Equal(opTime) {
		t.Errorf("unexpected operation time %v", got.LastOperationTime)
	}
	if got.LastOperationUser == nil || *got.LastOperationUser != user {
		t.Errorf("unexpected operation user %v", got.LastOperationUser)
	}
}

func TestSaveUnknownRoom(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()
	if err := NewRepository(db).SaveRoom(ctx, rooms.Record{ID: 99}); err != rooms.ErrRoomNotFound {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestManagerWithSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rooms.db")
	db, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	manager := rooms.NewManager(rooms.WithStore(NewRepository(db)))
	info, err := manager.CreateRoom(ctx, "persisted")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	p := manager.Connect(1, "alice")
	if _, err := manager.Enter(ctx, p, info.ID); err != nil {
		t.Fatalf("Enter failed: %v", err)
	}
	if _, _, err := manager.Apply(ctx, p, &protocol.SetVideoURL{URL: "https://cdn/y.mp4"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	db.Close()

	db, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()
	restored := rooms.NewManager(rooms.WithStore(NewRepository(db)))
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	got, err := restored.GetState(info.ID)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if got.State.VideoURL != "https://cdn/y.mp4" || got.State.LastOperationType != protocol.OperationSetURL {
		t.Errorf("unexpected restored state %+v", got.State)
	}
}
