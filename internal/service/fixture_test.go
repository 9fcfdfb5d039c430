package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-orchestrator/internal/content"
	"github.com/unclebandit/campaign-orchestrator/internal/model"
	"github.com/unclebandit/campaign-orchestrator/internal/publisher"
	"github.com/unclebandit/campaign-orchestrator/internal/queue"
	"github.com/unclebandit/campaign-orchestrator/internal/repository"
	"github.com/unclebandit/campaign-orchestrator/internal/resilience"
	"github.com/unclebandit/campaign-orchestrator/internal/service"
	"github.com/unclebandit/campaign-orchestrator/internal/vault"
)

const (
	tenantA = "tenant-a"
	tenantB = "tenant-b"
	token   = "secret-token"
)

var testKey = bytes.Repeat([]byte{7}, 32)

type fixture struct {
	t            *testing.T
	campaigns    *repository.MemoryCampaignRepository
	integrations *repository.MemoryIntegrationRepository
	publications *repository.MemoryPublicationRepository
	contacts     *repository.MemoryContactRepository
	queue        *queue.MemoryQueue
	vault        *vault.Vault
	svc          *service.CampaignService
	now          time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v, err := vault.New(testKey)
	require.NoError(t, err)

	f := &fixture{
		t:            t,
		campaigns:    repository.NewMemoryCampaignRepository(),
		integrations: repository.NewMemoryIntegrationRepository(),
		publications: repository.NewMemoryPublicationRepository(),
		contacts: repository.NewMemoryContactRepository(
			model.Contact{TenantID: tenantA, Phone: "+254700000001", FirstName: "Amina", PreferredProduct: "Shoes"},
			model.Contact{TenantID: tenantA, Phone: "+254700000002", FirstName: "Brian"},
			model.Contact{TenantID: tenantB, Phone: "+254700000003", FirstName: "Other"},
		),
		queue: queue.NewMemoryQueue(100, nil),
		vault: v,
		now:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	t.Cleanup(func() { f.queue.Close() })

	f.svc = &service.CampaignService{
		CampaignRepo:    f.campaigns,
		IntegrationRepo: f.integrations,
		PublicationRepo: f.publications,
		Queue:           f.queue,
		JobPolicy:       queue.DefaultPolicy(),
		Now:             func() time.Time { return f.now },
	}
	return f
}

func (f *fixture) connect(tenantID string, ch model.Channel) {
	f.t.Helper()
	sealed, err := f.vault.EncryptString(token)
	require.NoError(f.t, err)
	require.NoError(f.t, f.integrations.Upsert(context.Background(), &model.Integration{
		TenantID:   tenantID,
		Channel:    ch,
		Connected:  true,
		Verified:   true,
		CipherText: sealed.CipherText,
		IV:         sealed.IV,
		AuthTag:    sealed.AuthTag,
		Metadata: map[string]string{
			model.MetaAdAccountID: "act_1",
			model.MetaPageID:      "page_1",
			model.MetaSenderID:    "SHOP",
		},
	}))
}

func (f *fixture) create(tenantID string, channels ...model.Channel) *model.Campaign {
	f.t.Helper()
	budget := int64(10000)
	c, err := f.svc.CreateCampaign(context.Background(), tenantID, service.CreateCampaignInput{
		Name:        "Spring sale",
		Channels:    channels,
		Content:     json.RawMessage(`{"headline":"Spring","body":"Hi {first_name}, {preferred_product} are 20% off"}`),
		Targeting:   json.RawMessage(`{"countries":["KE"]}`),
		DailyBudget: &budget,
	})
	require.NoError(f.t, err)
	return c
}

// setStatus forces a campaign into a status through the repository.
func (f *fixture) setStatus(c *model.Campaign, to model.Status) {
	f.t.Helper()
	require.NoError(f.t, f.campaigns.TransitionStatus(context.Background(), c.TenantID, c.ID, c.Status, to))
	c.Status = to
}

func (f *fixture) pending() []queue.Job {
	var all []queue.Job
	for _, n := range queue.Names() {
		all = append(all, f.queue.Pending(n)...)
	}
	return all
}

// fakeNetwork is an ads API and a messaging API in one server.
type fakeNetwork struct {
	t *testing.T

	mu      sync.Mutex
	created map[string]int
	hits    int
	fail    map[string]int
	status  int
	down    bool
	delay   time.Duration
	sends   []map[string]any
}

func newFakeNetwork(t *testing.T) (*fakeNetwork, *httptest.Server) {
	n := &fakeNetwork{t: t, created: map[string]int{}, fail: map[string]int{}, status: http.StatusBadRequest}
	srv := httptest.NewServer(n)
	t.Cleanup(srv.Close)
	return n, srv
}

func (n *fakeNetwork) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	delay := n.delay
	n.mu.Unlock()
	time.Sleep(delay)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.hits++

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	edge := parts[len(parts)-1]

	if n.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if n.fail[edge] > 0 {
		n.fail[edge]--
		w.WriteHeader(n.status)
		fmt.Fprint(w, `{"error":{"message":"rejected"}}`)
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		n.t.Errorf("undecodable body on %s: %v", edge, err)
	}
	if edge == "messages" {
		n.sends = append(n.sends, body)
	}
	n.created[edge]++
	fmt.Fprintf(w, `{"id":"%s-%d"}`, edge, n.created[edge])
}

func (n *fakeNetwork) count(edge string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.created[edge]
}

func (n *fakeNetwork) requests() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hits
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
}

func (g *fakeGenerator) Generate(_ context.Context, _ content.Brief) (content.Suggestion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return content.Suggestion{Text: fmt.Sprintf("variant %d", g.calls), ImageRefs: []string{"img"}}, nil
}

func (f *fixture) worker(srv *httptest.Server, breakers ...*resilience.Breaker) *service.Worker {
	adsBreaker := resilience.NewBreaker("adnetwork", resilience.BreakerConfig{IsFailure: service.DependencyFailure}, nil)
	if len(breakers) > 0 {
		adsBreaker = breakers[0]
	}
	noRetry := resilience.NewRetrier(resilience.RetryPolicy{
		MaxRetries:   0,
		InitialDelay: time.Millisecond,
		Retryable:    publisher.IsTransient,
	}, nil)
	return &service.Worker{
		Campaigns:    f.campaigns,
		Integrations: f.integrations,
		Publications: f.publications,
		Contacts:     f.contacts,
		Vault:        f.vault,
		Publishers: map[model.Channel]service.ChannelPublisher{
			model.ChannelAds: {
				Adapter: publisher.NewAdNetwork(publisher.AdNetworkConfig{BaseURL: srv.URL, Client: srv.Client()}, nil),
				Breaker: adsBreaker,
				Retrier: noRetry,
			},
			model.ChannelMessaging: {
				Adapter: publisher.NewMessaging(publisher.MessagingConfig{BaseURL: srv.URL, Client: srv.Client()}, nil),
				Breaker: resilience.NewBreaker("messaging", resilience.BreakerConfig{IsFailure: service.DependencyFailure}, nil),
				Retrier: noRetry,
			},
		},
		Content: &fakeGenerator{},
		Now:     func() time.Time { return f.now },
	}
}

// deliver hands a job to the worker as its n-th delivery.
func deliver(w *service.Worker, job queue.Job, attempt int) error {
	job.Attempt = attempt
	return w.Handle(context.Background(), job)
}
