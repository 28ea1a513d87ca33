package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/chunkr-io/chunkr/pkg/upload"
)

// API is the thin HTTP layer over the upload core. Authentication is
// handled upstream; handlers here assume the caller identity has
// already been established.
type API struct {
	service   *upload.Service
	merger    *upload.Merger
	basic     *upload.BasicUploader
	artifacts *upload.ArtifactStore
	index     upload.ArtifactIndex
	sweeper   *upload.Sweeper
	logger    *zap.Logger
	server    *http.Server
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
}

func NewAPI(
	service *upload.Service,
	merger *upload.Merger,
	basic *upload.BasicUploader,
	artifacts *upload.ArtifactStore,
	index upload.ArtifactIndex,
	sweeper *upload.Sweeper,
	logger *zap.Logger,
	port int,
) *API {
	api := &API{
		service:   service,
		merger:    merger,
		basic:     basic,
		artifacts: artifacts,
		index:     index,
		sweeper:   sweeper,
		logger:    logger,
	}

	router := mux.NewRouter()
	api.setupRoutes(router)

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	api.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      corsHandler.Handler(router),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return api
}

func (api *API) setupRoutes(router *mux.Router) {
	// Health check
	router.HandleFunc("/health", api.HealthCheck).Methods("GET")

	// Upload paths
	router.HandleFunc("/upload", api.UploadFile).Methods("POST")
	router.HandleFunc("/upload/check", api.CheckUpload).Methods("POST")
	router.HandleFunc("/upload/chunk", api.UploadChunk).Methods("POST")
	router.HandleFunc("/upload/merge", api.MergeUpload).Methods("POST")
	router.HandleFunc("/upload/{fileHash}/status", api.UploadStatus).Methods("GET")

	// Artifact management
	router.HandleFunc("/artifacts", api.ListArtifacts).Methods("GET")
	router.HandleFunc("/artifacts/{id}", api.GetArtifact).Methods("GET")
	router.HandleFunc("/artifacts/{id}", api.DeleteArtifact).Methods("DELETE")

	// Operational surface
	router.HandleFunc("/admin/gc", api.RunGC).Methods("POST")
}

func (api *API) Start() error {
	api.logger.Info("Starting API server", zap.String("addr", api.server.Addr))
	return api.server.ListenAndServe()
}

func (api *API) Stop(ctx context.Context) error {
	return api.server.Shutdown(ctx)
}

// Health check handler
func (api *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, APIResponse{
		Success: true,
		Data: map[string]string{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// UploadFile is the single-request whole-file path for small files.
func (api *API) UploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		api.sendError(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		api.sendError(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	art, err := api.basic.UploadWhole(r.Context(), header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		api.sendUploadError(w, err)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"artifact": art,
			"url":      artifactURL(art),
		},
	})
}

type checkRequest struct {
	FileHash string `json:"fileHash"`
	FileName string `json:"fileName"`
}

// CheckUpload reports whether content with the given hash has already
// been fully uploaded, so the client can skip the transfer.
func (api *API) CheckUpload(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	uploaded, art, err := api.service.CheckExists(req.FileHash, req.FileName)
	if err != nil {
		api.sendUploadError(w, err)
		return
	}

	data := map[string]interface{}{"uploaded": uploaded}
	if art != nil {
		data["artifact"] = art
		data["url"] = artifactURL(art)
	}
	api.sendResponse(w, APIResponse{Success: true, Data: data})
}

// UploadChunk accepts one chunk of a resumable upload as a multipart
// form: fields fileHash, chunkHash, chunkIndex, optional totalChunks,
// and the bytes under the "chunk" file field.
func (api *API) UploadChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		api.sendError(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	fileHash := r.FormValue("fileHash")
	chunkHash := r.FormValue("chunkHash")

	ordinal, err := strconv.Atoi(r.FormValue("chunkIndex"))
	if err != nil {
		api.sendError(w, "chunkIndex must be an integer", http.StatusBadRequest)
		return
	}
	totalChunks := 0
	if v := r.FormValue("totalChunks"); v != "" {
		if totalChunks, err = strconv.Atoi(v); err != nil {
			api.sendError(w, "totalChunks must be an integer", http.StatusBadRequest)
			return
		}
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		api.sendError(w, "No chunk provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	receipt, err := api.service.UploadChunk(r.Context(), upload.ChunkRequest{
		FileHash:    fileHash,
		ChunkID:     chunkHash,
		Ordinal:     ordinal,
		TotalChunks: totalChunks,
		Body:        file,
	})
	if err != nil {
		api.sendUploadError(w, err)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"accepted": true,
			"receipt":  receipt,
		},
	})
}

type mergeRequest struct {
	FileHash string `json:"fileHash"`
	FileName string `json:"fileName"`
}

// MergeUpload assembles the staged chunks into the final artifact.
func (api *API) MergeUpload(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	art, err := api.merger.Merge(r.Context(), req.FileHash, req.FileName)
	if err != nil {
		api.sendUploadError(w, err)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"artifact": art,
			"url":      artifactURL(art),
		},
	})
}

// UploadStatus reports received and missing chunk ordinals for an
// in-flight upload. The expected total comes from the "total" query
// parameter when the client has one.
func (api *API) UploadStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	fileHash := vars["fileHash"]

	total := 0
	if v := r.URL.Query().Get("total"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			api.sendError(w, "total must be an integer", http.StatusBadRequest)
			return
		}
		total = n
	}

	status, err := api.service.Status(fileHash, total)
	if err != nil {
		api.sendUploadError(w, err)
		return
	}

	api.sendResponse(w, APIResponse{Success: true, Data: status})
}

// ListArtifacts returns every published artifact.
func (api *API) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	arts, err := api.index.List()
	if err != nil {
		api.sendError(w, "Failed to list artifacts", http.StatusInternalServerError)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: arts})
}

// GetArtifact streams a published artifact's bytes.
func (api *API) GetArtifact(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	art, err := api.index.GetByID(vars["id"])
	if err != nil {
		api.sendError(w, "Failed to look up artifact", http.StatusInternalServerError)
		return
	}
	if art == nil {
		api.sendError(w, "Artifact not found", http.StatusNotFound)
		return
	}

	f, err := api.artifacts.Open(art.StoredName)
	if err != nil {
		api.sendUploadError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Name))
	contentType := art.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(art.Size, 10))

	if _, err := io.Copy(w, f); err != nil {
		api.logger.Error("Failed to stream artifact", zap.String("id", art.ID), zap.Error(err))
	}
}

// DeleteArtifact removes an artifact and its index record.
func (api *API) DeleteArtifact(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	art, err := api.index.GetByID(vars["id"])
	if err != nil {
		api.sendError(w, "Failed to look up artifact", http.StatusInternalServerError)
		return
	}
	if art == nil {
		api.sendError(w, "Artifact not found", http.StatusNotFound)
		return
	}

	if err := api.artifacts.Remove(art.StoredName); err != nil {
		api.sendError(w, "Failed to delete artifact", http.StatusInternalServerError)
		return
	}
	if err := api.index.Delete(art.ID); err != nil {
		api.sendError(w, "Failed to delete artifact record", http.StatusInternalServerError)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data: map[string]string{
			"message": "Artifact deleted successfully",
		},
	})
}

// RunGC triggers an immediate sweep of stale staging directories.
func (api *API) RunGC(w http.ResponseWriter, r *http.Request) {
	removed, err := api.sweeper.Sweep(r.Context())
	if err != nil {
		api.sendError(w, "Staging sweep failed", http.StatusInternalServerError)
		return
	}
	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    map[string]int{"removed": removed},
	})
}

// Helper functions
func (api *API) sendResponse(w http.ResponseWriter, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (api *API) sendError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}

// sendUploadError maps the core error taxonomy onto HTTP statuses while
// preserving the machine-readable kind for clients.
func (api *API) sendUploadError(w http.ResponseWriter, err error) {
	kind := upload.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case upload.KindMissingParameter, upload.KindInvalidParameter:
		status = http.StatusBadRequest
	case upload.KindChunkTooLarge, upload.KindFileTooLarge:
		status = http.StatusRequestEntityTooLarge
	case upload.KindMergeInProgress:
		status = http.StatusConflict
	case upload.KindNoChunksFound, upload.KindPartialChunkMissing:
		status = http.StatusConflict
	case upload.KindNotFound:
		status = http.StatusNotFound
	}

	if status == http.StatusInternalServerError {
		api.logger.Error("upload request failed", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   err.Error(),
		Kind:    string(kind),
	})
}

func artifactURL(art *upload.Artifact) string {
	return "/artifacts/" + art.ID
}
