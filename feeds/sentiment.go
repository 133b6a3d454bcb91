package feeds

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// sentimentResponse is the fear/greed index wire shape.
type sentimentResponse struct {
	Data []struct {
		Value               string `json:"value"`
		ValueClassification string `json:"value_classification"`
	} `json:"data"`
}

// SentimentClient polls a fear/greed-style index (0 = extreme fear, 100 =
// extreme greed). The governor consumes the value through Index; a stale
// reading reports not-ok so the veto degrades open instead of acting on old
// data.
type SentimentClient struct {
	url      string
	interval time.Duration

	httpClient     *http.Client
	value          int
	classification string
	lastUpdate     time.Time
	mu             sync.RWMutex
	stopCh         chan struct{}
}

// NewSentimentClient builds a poller for the given index endpoint.
func NewSentimentClient(url string, interval time.Duration) *SentimentClient {
	return &SentimentClient{
		url:        url,
		interval:   interval,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		stopCh:     make(chan struct{}),
	}
}

// Start begins polling.
func (c *SentimentClient) Start() {
	c.fetch()

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.fetch()
			case <-c.stopCh:
				return
			}
		}
	}()

	log.Info().Str("url", c.url).Dur("interval", c.interval).Msg("📊 Sentiment client started")
}

// Stop halts polling.
func (c *SentimentClient) Stop() {
	close(c.stopCh)
}

func (c *SentimentClient) fetch() {
	resp, err := c.httpClient.Get(c.url)
	if err != nil {
		log.Debug().Err(err).Msg("sentiment fetch failed")
		return
	}
	defer resp.Body.Close()

	var data sentimentResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		log.Debug().Err(err).Msg("sentiment parse failed")
		return
	}
	if len(data.Data) == 0 {
		return
	}

	value, err := strconv.Atoi(data.Data[0].Value)
	if err != nil || value < 0 || value > 100 {
		log.Debug().Str("value", data.Data[0].Value).Msg("sentiment value out of range")
		return
	}

	c.mu.Lock()
	c.value = value
	c.classification = data.Data[0].ValueClassification
	c.lastUpdate = time.Now()
	c.mu.Unlock()
}

// Index returns the latest reading. ok is false before the first successful
// fetch and once the reading goes stale.
func (c *SentimentClient) Index() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastUpdate.IsZero() || time.Since(c.lastUpdate) > 3*c.interval {
		return 0, false
	}
	return c.value, true
}

// Classification returns the upstream label for the latest reading.
func (c *SentimentClient) Classification() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.classification
}
