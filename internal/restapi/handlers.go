package restapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yarosdev/modbusdb"
	"github.com/yarosdev/modbusdb/regkey"
)

// GET /health
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"state":  s.db.State().String(),
	})
}

// GET /get?key=<packed key>
func (s *Server) getHandler(c *gin.Context) {
	key, err := parseKeyParam(c.Query("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, newErrorResponse("GET_400", "invalid key", err.Error()))
		return
	}

	tx, err := s.db.Get(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, newErrorResponse("GET_500", "read failed", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":    tx.ID,
		"value": tx.Data()[key],
	})
}

type setRequest struct {
	Key   uint32  `json:"key" binding:"required"`
	Value float64 `json:"value"`
}

// POST /set {"key": <packed key>, "value": <float>}
func (s *Server) setHandler(c *gin.Context) {
	var req setRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, newErrorResponse("SET_400", "invalid request body", err.Error()))
		return
	}

	tx, err := s.db.Set(c.Request.Context(), regkey.Key(req.Key), req.Value)
	if err != nil {
		c.JSON(http.StatusInternalServerError, newErrorResponse("SET_500", "write failed", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": tx.ID})
}

type mgetRequest struct {
	Keys []uint32 `json:"keys" binding:"required"`
}

// POST /mget {"keys": [<packed key>, ...]}
func (s *Server) mgetHandler(c *gin.Context) {
	var req mgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, newErrorResponse("MGET_400", "invalid request body", err.Error()))
		return
	}

	keys := make([]regkey.Key, len(req.Keys))
	for i, k := range req.Keys {
		keys[i] = regkey.Key(k)
	}

	res, err := s.db.Mget(c.Request.Context(), keys)
	if err != nil {
		c.JSON(http.StatusInternalServerError, newErrorResponse("MGET_500", "read failed", err.Error()))
		return
	}
	c.JSON(http.StatusOK, mgetResultBody(res))
}

// POST /mset {"body": {"<packed key>": <float>, ...}}
func (s *Server) msetHandler(c *gin.Context) {
	var req struct {
		Body map[string]float64 `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, newErrorResponse("MSET_400", "invalid request body", err.Error()))
		return
	}

	body := make(map[regkey.Key]float64, len(req.Body))
	for raw, v := range req.Body {
		key, err := parseKeyParam(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, newErrorResponse("MSET_400", "invalid key in body", raw))
			return
		}
		body[key] = v
	}

	res, err := s.db.Mset(c.Request.Context(), body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, newErrorResponse("MSET_500", "write failed", err.Error()))
		return
	}
	c.JSON(http.StatusOK, mgetResultBody(res))
}

// GET /units/:id
func (s *Server) unitHandler(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, newErrorResponse("UNIT_400", "invalid unit id", err.Error()))
		return
	}

	cfg, snap, ok := s.db.Unit(uint8(id))
	if !ok {
		c.JSON(http.StatusNotFound, newErrorResponse("UNIT_404", "unit not found", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":          cfg.Address,
		"max_request_size": cfg.MaxRequestSize,
		"stats":            snap,
	})
}

func parseKeyParam(raw string) (regkey.Key, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return regkey.Key(v), nil
}

func mgetResultBody(res modbusdb.MgetResult) gin.H {
	return gin.H{
		"total_time_ms": res.TotalTime.Milliseconds(),
		"payload":       res.Payload,
		"transactions":  len(res.Transactions),
	}
}
