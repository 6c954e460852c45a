package store

import (
	"context"
	"log/slog"
	"path/filepath"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/duskpoint/reverie/pkg/config"
	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
)

// Store bundles every repository plus the chat event log.
type Store struct {
	Users              Repository[*domain.User]
	Tags               Repository[*domain.Tag]
	Characters         Repository[*domain.Character]
	Personas           Repository[*domain.Persona]
	ConnectionProfiles Repository[*domain.ConnectionProfile]
	EmbeddingProfiles  Repository[*domain.EmbeddingProfile]
	ImageProfiles      Repository[*domain.ImageProfile]
	Credentials        Repository[*domain.APICredential]
	Chats              Repository[*domain.Chat]
	Memories           Repository[*domain.Memory]
	Files              Repository[*domain.FileEntry]
	Events             EventLog

	close func(context.Context) error
}

// Close releases backend resources. Safe on a file or memory store.
func (s *Store) Close(ctx context.Context) error {
	if s.close != nil {
		return s.close(ctx)
	}
	return nil
}

// Open builds the store selected by config.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	switch cfg.DataBackend {
	case config.DataBackendDocument:
		return OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case config.DataBackendFile:
		return OpenFile(cfg.DataDir), nil
	default:
		return nil, errs.Configuration("unknown data backend", string(cfg.DataBackend))
	}
}

// OpenMemory builds the in-process store. Tests only.
func OpenMemory() *Store {
	return &Store{
		Users:              NewMemoryRepository[*domain.User]("user"),
		Tags:               NewMemoryRepository[*domain.Tag]("tag"),
		Characters:         NewMemoryRepository[*domain.Character]("character"),
		Personas:           NewMemoryRepository[*domain.Persona]("persona"),
		ConnectionProfiles: NewMemoryRepository[*domain.ConnectionProfile]("connection profile"),
		EmbeddingProfiles:  NewMemoryRepository[*domain.EmbeddingProfile]("embedding profile"),
		ImageProfiles:      NewMemoryRepository[*domain.ImageProfile]("image profile"),
		Credentials:        NewMemoryRepository[*domain.APICredential]("credential"),
		Chats:              NewMemoryRepository[*domain.Chat]("chat"),
		Memories:           NewMemoryRepository[*domain.Memory]("memory"),
		Files:              NewMemoryRepository[*domain.FileEntry]("file"),
		Events:             NewMemoryEventLog(),
	}
}

// OpenFile builds the file-backed store rooted at dataDir. Settings
// collections live under settings/, chat logs under chats/.
func OpenFile(dataDir string) *Store {
	settings := func(name string) string {
		return filepath.Join(dataDir, "settings", name+".json")
	}
	return &Store{
		Users:              NewFileRepository[*domain.User]("user", settings("users")),
		Tags:               NewFileRepository[*domain.Tag]("tag", settings("tags")),
		Characters:         NewFileRepository[*domain.Character]("character", settings("characters")),
		Personas:           NewFileRepository[*domain.Persona]("persona", settings("personas")),
		ConnectionProfiles: NewFileRepository[*domain.ConnectionProfile]("connection profile", settings("connection-profiles")),
		EmbeddingProfiles:  NewFileRepository[*domain.EmbeddingProfile]("embedding profile", settings("embedding-profiles")),
		ImageProfiles:      NewFileRepository[*domain.ImageProfile]("image profile", settings("image-profiles")),
		Credentials:        NewFileRepository[*domain.APICredential]("credential", settings("api-credentials")),
		Chats:              NewFileRepository[*domain.Chat]("chat", settings("chats")),
		Memories:           NewFileRepository[*domain.Memory]("memory", settings("memories")),
		Files:              NewFileRepository[*domain.FileEntry]("file", filepath.Join(dataDir, "files", "files.json")),
		Events:             NewFileEventLog(dataDir),
	}
}

// OpenMongo connects to the document backend and verifies the connection.
func OpenMongo(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errs.Storage("mongo connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errs.Storage("mongo ping", err)
	}
	slog.Info("Connected to document store", "database", database)

	db := client.Database(database)
	return &Store{
		Users:              NewMongoRepository[*domain.User]("user", db.Collection("users"), "_id"),
		Tags:               NewMongoRepository[*domain.Tag]("tag", db.Collection("tags"), "userId"),
		Characters:         NewMongoRepository[*domain.Character]("character", db.Collection("characters"), "userId"),
		Personas:           NewMongoRepository[*domain.Persona]("persona", db.Collection("personas"), "userId"),
		ConnectionProfiles: NewMongoRepository[*domain.ConnectionProfile]("connection profile", db.Collection("connection_profiles"), "userId"),
		EmbeddingProfiles:  NewMongoRepository[*domain.EmbeddingProfile]("embedding profile", db.Collection("embedding_profiles"), "userId"),
		ImageProfiles:      NewMongoRepository[*domain.ImageProfile]("image profile", db.Collection("image_profiles"), "userId"),
		Credentials:        NewMongoRepository[*domain.APICredential]("credential", db.Collection("api_credentials"), "userId"),
		Chats:              NewMongoRepository[*domain.Chat]("chat", db.Collection("chats"), "userId"),
		Memories:           NewMongoRepository[*domain.Memory]("memory", db.Collection("memories"), "userId"),
		Files:              NewMongoRepository[*domain.FileEntry]("file", db.Collection("files"), "userId"),
		Events:             NewMongoEventLog(db.Collection("chat_events")),
		close:              client.Disconnect,
	}, nil
}
