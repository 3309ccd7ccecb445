package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"netstats-agent/internal/models"
)

const notCandidateContact = "(not a candidate node!)"

// Candidate 候选节点列表中的一项
type Candidate struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	IPAddr      string      `json:"ipAddr"`
	TotalVotes  json.Number `json:"totalVotes"`
}

// Votes 解析 totalVotes；非法值按 0
func (c *Candidate) Votes() float64 {
	if c == nil || c.TotalVotes == "" {
		return 0
	}
	v, err := c.TotalVotes.Float64()
	if err != nil {
		return 0
	}
	return v
}

// Hashrate 用投票数替代算力：totalVotes / 1e6
func (c *Candidate) Hashrate() float64 {
	return c.Votes() / 1e6
}

// MetadataClient 拉取候选节点列表，按 ipAddr 匹配本节点
type MetadataClient struct {
	url  string
	host string
	http *http.Client
}

func NewMetadataClient(url, host string, timeout time.Duration) *MetadataClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MetadataClient{
		url:  url,
		host: host,
		http: &http.Client{Timeout: timeout},
	}
}

func (m *MetadataClient) Candidates(ctx context.Context) ([]Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch candidates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch candidates: unexpected status %d", resp.StatusCode)
	}

	var out []Candidate
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	return out, nil
}

// Self returns the entry whose ipAddr matches the RPC host, or nil.
func (m *MetadataClient) Self(ctx context.Context) (*Candidate, error) {
	list, err := m.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].IPAddr == m.host {
			return &list[i], nil
		}
	}
	return nil, nil
}

// ApplyCandidate 用候选信息修正 NodeInfo；c 为 nil 时回落到配置的名字
func ApplyCandidate(info *models.NodeInfo, c *Candidate, fallbackName string) {
	info.Name = fallbackName
	info.Contact = notCandidateContact
	info.Node = "Full node"
	if c == nil {
		return
	}
	if c.Name != "" {
		info.Name = c.Name
	}
	if c.Description != "" {
		info.Contact = c.Description
	}
	if c.Votes() > 0 {
		info.Node = "Validator"
	}
}
