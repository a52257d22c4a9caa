// Package http serves the pairing and presence collaborator API
// consumed by agents. State is kept in memory; the relay process is
// the natural host for it.
package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/arvoki/camlink/internal/domain"
)

type pairEntry struct {
	peer domain.DeviceID
}

type presenceEntry struct {
	online bool
	seen   time.Time
}

// PairingService tracks which devices are paired and who is online.
type PairingService struct {
	mu       sync.RWMutex
	pairs    map[domain.DeviceID]pairEntry
	presence map[domain.DeviceID]presenceEntry
}

func NewPairingService() *PairingService {
	return &PairingService{
		pairs:    make(map[domain.DeviceID]pairEntry),
		presence: make(map[domain.DeviceID]presenceEntry),
	}
}

// Pair records a mutual pairing between two devices, replacing any
// existing pairing either side had.
func (s *PairingService) Pair(a, b domain.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unpair(a)
	s.unpair(b)
	s.pairs[a] = pairEntry{peer: b}
	s.pairs[b] = pairEntry{peer: a}
	log.Info().Str("module", "transport.http").Str("a", string(a)).Str("b", string(b)).Msg("devices paired")
}

func (s *PairingService) unpair(d domain.DeviceID) {
	if e, ok := s.pairs[d]; ok {
		delete(s.pairs, e.peer)
	}
	delete(s.pairs, d)
}

type pairRequest struct {
	DeviceA string `json:"device_a"`
	DeviceB string `json:"device_b"`
}

type presenceRequest struct {
	Online bool `json:"online"`
}

// Register mounts the collaborator endpoints on an existing router.
func (s *PairingService) Register(r gin.IRouter) {
	api := r.Group("/api")

	api.POST("/pairing", func(c *gin.Context) {
		var req pairRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing device ids"})
			return
		}
		a, errA := domain.NewDeviceID(req.DeviceA)
		b, errB := domain.NewDeviceID(req.DeviceB)
		if errA != nil || errB != nil || a == b {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device ids"})
			return
		}
		s.Pair(a, b)
		c.JSON(http.StatusOK, gin.H{"status": "paired"})
	})

	api.GET("/pairing/:device", func(c *gin.Context) {
		device := domain.DeviceID(c.Param("device"))
		s.mu.RLock()
		e, ok := s.pairs[device]
		s.mu.RUnlock()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not paired"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"peer_device_id": string(e.peer)})
	})

	api.POST("/pairing/:device/unpair", func(c *gin.Context) {
		device := domain.DeviceID(c.Param("device"))
		s.mu.Lock()
		s.unpair(device)
		s.mu.Unlock()
		log.Info().Str("module", "transport.http").Str("device", string(device)).Msg("device unpaired")
		c.JSON(http.StatusOK, gin.H{"status": "unpaired"})
	})

	api.POST("/presence/:device", func(c *gin.Context) {
		var req presenceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing online flag"})
			return
		}
		device := domain.DeviceID(c.Param("device"))
		s.mu.Lock()
		s.presence[device] = presenceEntry{online: req.Online, seen: time.Now()}
		s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api.POST("/presence/:device/disconnect", func(c *gin.Context) {
		device := domain.DeviceID(c.Param("device"))
		s.mu.Lock()
		delete(s.presence, device)
		s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
