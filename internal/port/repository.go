package port

import (
	"github.com/vertextoedge/psn-update-fetcher/internal/domain/repository"
)

// DownloadTaskRepository is an alias to domain repository interface
type DownloadTaskRepository = repository.DownloadTaskRepository

// Store is an alias to domain repository interface
type Store = repository.Store
