package broker

import (
	"github.com/satriahrh/twinvoice/domain"
	"github.com/satriahrh/twinvoice/domain/entities"
)

const (
	SubjectLLMRequest      = "twin.llm.request"
	SubjectLLMResponse     = "twin.llm.response"
	SubjectTTSRequest      = "twin.tts.request"
	SubjectTTSResponse     = "twin.tts.response"
	SubjectWorkerHeartbeat = "twin.worker.heartbeat"
	SubjectSystemEvents    = "twin.system.events"
)

// Route names the subjects, queue group and error code for one worker type
type Route struct {
	Request   string
	Response  string
	Queue     string
	ErrorCode string
}

var routes = map[entities.WorkerType]Route{
	entities.WorkerTypeLLM: {
		Request:   SubjectLLMRequest,
		Response:  SubjectLLMResponse,
		Queue:     "twin-llm-workers",
		ErrorCode: domain.ErrorCodeLLMProcessing,
	},
	entities.WorkerTypeTTS: {
		Request:   SubjectTTSRequest,
		Response:  SubjectTTSResponse,
		Queue:     "twin-tts-workers",
		ErrorCode: domain.ErrorCodeTTSProcessing,
	},
}

// RouteFor returns the route of a worker type
func RouteFor(t entities.WorkerType) (Route, bool) {
	r, ok := routes[t]
	return r, ok
}
