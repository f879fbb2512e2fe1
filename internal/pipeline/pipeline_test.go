package pipeline

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingStage struct {
	name   string
	result Result
	log    *[]string
}

func (s recordingStage) Handle(c *gin.Context) Result {
	*s.log = append(*s.log, s.name)
	if s.result == Halt {
		c.String(http.StatusTeapot, s.name)
	}
	return s.result
}

func (s recordingStage) Finish(*gin.Context) {
	*s.log = append(*s.log, "finish:"+s.name)
}

func serve(h gin.HandlerFunc) *httptest.ResponseRecorder {
	r := gin.New()
	r.GET("/", h)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	return w
}

func TestStagesRunInOrderAndFinishInReverse(t *testing.T) {
	var log []string
	p := New(
		recordingStage{name: "a", log: &log},
		recordingStage{name: "b", log: &log},
	)
	w := serve(p.Then(func(c *gin.Context) {
		log = append(log, "handler")
		c.Status(http.StatusOK)
	}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"a", "b", "handler", "finish:b", "finish:a"}, log)
}

func TestHaltStopsPipeline(t *testing.T) {
	var log []string
	p := New(
		recordingStage{name: "a", log: &log},
		recordingStage{name: "stop", result: Halt, log: &log},
		recordingStage{name: "never", log: &log},
	)
	w := serve(p.Then(func(c *gin.Context) {
		log = append(log, "handler")
	}))

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "stop", w.Body.String())
	assert.Equal(t, []string{"a", "stop", "finish:a"}, log)
}

func TestAppendDoesNotMutate(t *testing.T) {
	var log []string
	base := New(recordingStage{name: "a", log: &log})
	extended := base.Append(StageFunc(func(*gin.Context) Result { return Continue }))

	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 2, extended.Len())
}

func TestMiddlewareCallsNext(t *testing.T) {
	r := gin.New()
	r.Use(New(StageFunc(func(c *gin.Context) Result {
		c.Set("seen", true)
		return Continue
	})).Middleware())
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "%v", c.GetBool("seen"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "true", w.Body.String())
}
