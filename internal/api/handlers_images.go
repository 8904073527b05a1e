package api

import (
	"net/http"
	"path"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Chronicarr/internal/metadata"
)

// serveCachedImage serves a locally cached poster. Resolve rejects paths
// outside the cache directory.
func (s *RESTServer) serveCachedImage(c *gin.Context) {
	publicPath := path.Join(metadata.PublicImagePrefix, c.Param("path"))
	localPath, ok := s.images.Resolve(publicPath)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
		return
	}
	c.File(localPath)
}
