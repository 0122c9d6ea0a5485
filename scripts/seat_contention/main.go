package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

type course struct {
	ID             string `json:"id"`
	AvailableSeats int    `json:"available_seats"`
	Status         string `json:"status"`
}

type client struct {
	http *http.Client
	base string
}

func main() {
	var (
		base          string
		adminUser     string
		adminPassword string
		students      int
		capacity      int
		term          string
		timeout       time.Duration
	)

	flag.StringVar(&base, "base", "http://localhost:8080/api/v1", "API base URL including prefix")
	flag.StringVar(&adminUser, "admin-user", "registrar", "Admin username")
	flag.StringVar(&adminPassword, "admin-password", "", "Admin password")
	flag.IntVar(&students, "students", 50, "Concurrent students")
	flag.IntVar(&capacity, "capacity", 10, "Seats in the contended course")
	flag.StringVar(&term, "term", "", "Term to enroll in, empty for the active term")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "HTTP client timeout")
	flag.Parse()

	if adminPassword == "" {
		log.Fatal("-admin-password is required")
	}
	if capacity <= 0 || students < capacity {
		log.Fatal("need students >= capacity > 0")
	}

	c := &client{http: &http.Client{Timeout: timeout}, base: strings.TrimRight(base, "/")}
	run := time.Now().Unix()

	adminToken, err := c.login(adminUser, adminPassword)
	if err != nil {
		log.Fatalf("admin login failed: %v", err)
	}

	courseID := fmt.Sprintf("LOAD%d", run%1000000)
	if _, err := c.call(http.MethodPost, "/courses", adminToken, map[string]interface{}{
		"id":         courseID,
		"name":       "Seat contention " + courseID,
		"credits":    1,
		"category":   "load-test",
		"instructor": "Load Driver",
		"totalSeats": capacity,
		"status":     "active",
	}, http.StatusCreated); err != nil {
		log.Fatalf("create course: %v", err)
	}

	tokens := make([]string, students)
	for i := range tokens {
		username := fmt.Sprintf("load%d%03d", run%100000, i)
		token, err := c.register(username)
		if err != nil {
			log.Fatalf("register %s: %v", username, err)
		}
		tokens[i] = token
	}

	var (
		mu       sync.Mutex
		outcomes = map[string]int{}
		wg       sync.WaitGroup
		start    = make(chan struct{})
	)
	for _, token := range tokens {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			<-start
			outcome := "created"
			if _, err := c.call(http.MethodPost, "/enroll", token, map[string]string{"courseId": courseID, "term": term}, http.StatusCreated); err != nil {
				outcome = err.Error()
			}
			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
		}(token)
	}
	began := time.Now()
	close(start)
	wg.Wait()
	elapsed := time.Since(began)

	raw, err := c.call(http.MethodGet, "/courses/"+courseID, adminToken, nil, http.StatusOK)
	if err != nil {
		log.Fatalf("read course: %v", err)
	}
	var final course
	if err := json.Unmarshal(raw, &final); err != nil {
		log.Fatalf("decode course: %v", err)
	}

	fmt.Printf("course %s capacity %d, %d students in %s\n", courseID, capacity, students, elapsed.Round(time.Millisecond))
	for outcome, count := range outcomes {
		fmt.Printf("  %-24s %d\n", outcome, count)
	}
	fmt.Printf("final available_seats=%d status=%s\n", final.AvailableSeats, final.Status)

	failed := false
	if outcomes["created"] != capacity {
		fmt.Printf("FAIL: expected %d enrollments, got %d\n", capacity, outcomes["created"])
		failed = true
	}
	if outcomes["COURSE_FULL"] != students-capacity {
		fmt.Printf("FAIL: expected %d COURSE_FULL, got %d\n", students-capacity, outcomes["COURSE_FULL"])
		failed = true
	}
	if final.AvailableSeats != 0 || final.Status != "full" {
		fmt.Println("FAIL: course should be full with zero available seats")
		failed = true
	}
	if failed {
		os.Exit(1)
	}
	fmt.Println("OK")
}

func (c *client) login(username, password string) (string, error) {
	raw, err := c.call(http.MethodPost, "/auth/login", "", map[string]string{"username": username, "password": password}, http.StatusOK)
	if err != nil {
		return "", err
	}
	return decodeToken(raw)
}

func (c *client) register(username string) (string, error) {
	raw, err := c.call(http.MethodPost, "/auth/register", "", map[string]string{
		"username":  username,
		"email":     username + "@load.test",
		"password":  "load-test-password",
		"full_name": "Load " + username,
	}, http.StatusCreated)
	if err != nil {
		return "", err
	}
	return decodeToken(raw)
}

// call returns the envelope data on the expected status, otherwise an error
// whose text is the API error code.
func (c *client) call(method, path, token string, payload interface{}, expect int) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	if resp.StatusCode != expect {
		if env.Error != nil {
			return nil, errors.New(env.Error.Code)
		}
		return nil, fmt.Errorf("HTTP_%d", resp.StatusCode)
	}
	return env.Data, nil
}

func decodeToken(raw json.RawMessage) (string, error) {
	var token tokenResponse
	if err := json.Unmarshal(raw, &token); err != nil {
		return "", err
	}
	if token.AccessToken == "" {
		return "", errors.New("empty access token")
	}
	return token.AccessToken, nil
}
