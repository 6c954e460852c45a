// Package runtime assembles the orchestration core from configuration: the
// store, the file tier, the memory engine, the tool runtime and the chat
// orchestrator, wired with credential decryption.
package runtime

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/duskpoint/reverie/pkg/chat"
	"github.com/duskpoint/reverie/pkg/config"
	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
	"github.com/duskpoint/reverie/pkg/files"
	"github.com/duskpoint/reverie/pkg/logger"
	"github.com/duskpoint/reverie/pkg/memory"
	"github.com/duskpoint/reverie/pkg/prompt"
	"github.com/duskpoint/reverie/pkg/providers"
	"github.com/duskpoint/reverie/pkg/store"
	"github.com/duskpoint/reverie/pkg/tools"
	"github.com/duskpoint/reverie/pkg/vector"
)

// Runtime is the fully wired orchestration core.
type Runtime struct {
	Config       *config.Config
	Store        *store.Store
	Files        *files.Store
	Memory       *memory.Engine
	Tools        *tools.Runtime
	Assembler    *prompt.Assembler
	Orchestrator *chat.Orchestrator
	Jobs         *chat.Jobs
}

// New builds the runtime. Configuration must already have defaults applied
// and be validated.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	logger.Init(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}
	fileStore := files.NewStore(st.Files, blobs)

	if removed, err := fileStore.SweepOrphans(ctx); err != nil {
		slog.Warn("Startup orphan sweep failed", "error", err)
	} else if removed > 0 {
		slog.Info("Swept orphaned blobs", "removed", removed)
	}

	r := &Runtime{Config: cfg, Store: st, Files: fileStore}

	embedder := &Embedder{
		profiles: st.EmbeddingProfiles,
		client:   embedClient(cfg),
		creds:    r.ResolveCredential,
	}

	vectors, err := openVectors(cfg)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}
	r.Memory = memory.NewEngine(st.Memories, vectors, embedder)

	r.Tools = tools.NewRuntime(
		tools.NewGenerateImageTool(&imageGenerator{runtime: r}, fileStore, &participants{store: st}),
		tools.NewSearchMemoriesTool(r.Memory),
		tools.NewSearchWebTool(tools.NewDuckDuckGoSearcher("")),
	)
	r.Tools.SetDefaultTimeout(cfg.Timeouts.Tool)

	r.Assembler = prompt.NewAssembler(r.Memory, fileStore,
		prompt.WithContextLimit(cfg.Orchestrator.ContextLimit),
		prompt.WithReservedResponse(cfg.Orchestrator.ReservedResponseTokens),
		prompt.WithMemoryTopK(cfg.Orchestrator.MemoryTopK),
	)
	r.Jobs = chat.NewJobs(st, r.Memory, nil, r.ResolveCredential,
		chat.WithSummarizeThreshold(cfg.Orchestrator.SummarizeDropThreshold),
	)
	r.Orchestrator = chat.NewOrchestrator(chat.Options{
		Store:           st,
		Assembler:       r.Assembler,
		Runtime:         r.Tools,
		Adapters:        providers.ProfileFactory(providers.Options{Timeout: cfg.Timeouts.ProviderChat}),
		Creds:           r.ResolveCredential,
		Jobs:            r.Jobs,
		MaxToolLoops:    cfg.Orchestrator.MaxToolLoops,
		ProgressTimeout: cfg.Timeouts.ProviderProgress,
	})

	return r, nil
}

// Close releases backend resources.
func (r *Runtime) Close(ctx context.Context) error {
	return r.Store.Close(ctx)
}

func openVectors(cfg *config.Config) (vector.Store, error) {
	if cfg.VectorBackend == config.VectorBackendChromem {
		return vector.NewChromemStore(filepath.Join(cfg.DataDir, "chromem"), true)
	}
	return vector.NewFlatStore(cfg.DataDir), nil
}

func openBlobs(ctx context.Context, cfg *config.Config) (files.BlobStore, error) {
	if cfg.S3.Bucket != "" {
		return files.NewS3BlobStore(ctx, cfg.S3)
	}
	return files.NewLocalBlobStore(cfg.DataDir), nil
}

// ResolveCredential decrypts the API key a profile references. An empty
// credential id resolves to the empty key; providers that need no auth pass
// it through.
func (r *Runtime) ResolveCredential(ctx context.Context, userID, credentialID string) (string, error) {
	if credentialID == "" {
		return "", nil
	}
	cred, err := r.Store.Credentials.FindByID(ctx, userID, credentialID)
	if err != nil {
		return "", err
	}
	return cred.DecryptCredential(r.Config.EncryptionPepper)
}

// imageGenerator builds the image adapter from the chat's image profile at
// call time, so profile edits take effect without a restart.
type imageGenerator struct {
	runtime *Runtime
}

func (g *imageGenerator) Generate(ctx context.Context, userID, profileID string, params providers.ImageParams) (*providers.ImageResponse, error) {
	profile, err := g.profile(ctx, userID, profileID)
	if err != nil {
		return nil, err
	}

	adapter, err := providers.New(profile.Provider, providers.Options{Model: profile.ModelName})
	if err != nil {
		return nil, err
	}
	params.APIKey, err = g.runtime.ResolveCredential(ctx, userID, profile.APICredentialID)
	if err != nil {
		return nil, err
	}
	return adapter.GenerateImage(ctx, params)
}

func (g *imageGenerator) profile(ctx context.Context, userID, profileID string) (*domain.ImageProfile, error) {
	if profileID != "" {
		return g.runtime.Store.ImageProfiles.FindByID(ctx, userID, profileID)
	}
	profile, ok, err := store.FindDefault(ctx, g.runtime.Store.ImageProfiles, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Configuration("no image profile configured", "imageProfileId")
	}
	return profile, nil
}

// participants resolves {{me}} for tool prompts: the calling character's
// name and appearance fragment.
type participants struct {
	store *store.Store
}

func (p *participants) CallingParticipant(ctx context.Context, tc tools.Context) (string, string, error) {
	character, err := p.store.Characters.FindByID(ctx, tc.UserID, tc.CallingParticipantID)
	if err != nil {
		return "", "", err
	}
	return character.Name, character.Appearance, nil
}
