package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const wireDate = "01/02/2006"

// HTTPClient talks to the real portal API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient builds a portal client for the given base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Login exchanges credentials for a bearer token.
func (c *HTTPClient) Login(ctx context.Context, username, password string) (Session, error) {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("portal login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("portal login: decode token: %w", err)
	}
	if body.AccessToken == "" {
		return nil, fmt.Errorf("portal login: empty access token")
	}
	return &httpSession{client: c, token: body.AccessToken}, nil
}

type httpSession struct {
	client *HTTPClient
	token  string
}

func (s *httpSession) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.client.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.client.Do(req)
	if err != nil {
		return fmt.Errorf("portal get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("portal get %s: decode: %w", path, err)
	}
	return nil
}

type wireStudentInfo struct {
	FirstName         string `json:"FirstName"`
	LastName          string `json:"LastName"`
	CurrentGradeLevel string `json:"CurrentGradeLevel"`
}

type wireSchool struct {
	SchoolCode  json.Number     `json:"SchoolCode"`
	SchoolName  string          `json:"SchoolName"`
	SchoolYear  string          `json:"SchoolYear"`
	StudentInfo wireStudentInfo `json:"StudentInfo"`
}

type wireUserInfo struct {
	Email          string       `json:"Email"`
	UserName       string       `json:"UserName"`
	SchoolCodeList []wireSchool `json:"SchoolCodeList"`
}

func (s *httpSession) Info(ctx context.Context) (*UserInfo, error) {
	var wire wireUserInfo
	if err := s.get(ctx, "/api/get/UserInfo", &wire); err != nil {
		return nil, err
	}
	info := &UserInfo{Email: wire.Email, Name: wire.UserName}
	for _, sc := range wire.SchoolCodeList {
		code, _ := strconv.Atoi(sc.SchoolCode.String())
		info.Schools = append(info.Schools, School{
			Code:       code,
			Name:       sc.SchoolName,
			SchoolYear: sc.SchoolYear,
			StudentInfo: StudentInfo{
				FirstName:         sc.StudentInfo.FirstName,
				LastName:          sc.StudentInfo.LastName,
				CurrentGradeLevel: sc.StudentInfo.CurrentGradeLevel,
			},
		})
	}
	return info, nil
}

func (s *httpSession) DayCycleNames(ctx context.Context, schoolCode int, start, end time.Time) ([]string, error) {
	path := fmt.Sprintf("/api/timetable/daynames/%d/%s/%s", schoolCode,
		url.PathEscape(start.Format(wireDate)), url.PathEscape(end.Format(wireDate)))
	var wire []struct {
		DayNameShort string `json:"DayNameShort"`
	}
	if err := s.get(ctx, path, &wire); err != nil {
		return nil, err
	}
	days := make([]string, len(wire))
	for i, d := range wire {
		days[i] = d.DayNameShort
	}
	return days, nil
}

func (s *httpSession) Timetable(ctx context.Context, schoolCode int, date time.Time) ([]TimetableItem, error) {
	path := fmt.Sprintf("/api/timetable/student/%d/%s", schoolCode,
		url.PathEscape(date.Format(wireDate)))
	var wire []struct {
		CourseEntry struct {
			StudentCourse string `json:"StudentCourse"`
			Period        string `json:"Period"`
			CycleDay      int    `json:"CycleDay"`
			TeacherName   string `json:"TeacherName"`
			TeacherEmail  string `json:"TeacherEmail"`
		} `json:"CourseEntry"`
	}
	if err := s.get(ctx, path, &wire); err != nil {
		return nil, err
	}
	items := make([]TimetableItem, 0, len(wire))
	for _, w := range wire {
		items = append(items, TimetableItem{
			CourseCode:         w.CourseEntry.StudentCourse,
			CoursePeriod:       w.CourseEntry.Period,
			CourseCycleDay:     w.CourseEntry.CycleDay,
			CourseTeacherName:  w.CourseEntry.TeacherName,
			CourseTeacherEmail: w.CourseEntry.TeacherEmail,
		})
	}
	return items, nil
}

func (s *httpSession) Close() error { return nil }
