package util

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// Sign md5(body + timestamp + secret), the IM server signing scheme.
func Sign(body string, ts int64, secret string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s%d%s", body, ts, secret)))
	return hex.EncodeToString(sum[:])
}

// PostIMServer posts a signed json body, retrying up to three times.
func PostIMServer(url, body, secret string) (rspBody []byte, err error) {
	var rsp *http.Response
	for i := 1; i <= 3; i++ {
		var nowTime = time.Now().Unix()
		var req *http.Request
		req, err = http.NewRequest("POST", url, strings.NewReader(body))
		if err != nil {
			err = errors.Wrap(err, fmt.Sprintf("new request url %s", url))
			return
		}

		req.Header.Set("time", fmt.Sprintf("%d", nowTime))
		req.Header.Set("sign", Sign(body, nowTime, secret))
		req.Header.Set("content-type", "application/json")

		rsp, err = httpClient.Do(req)
		if err == nil && rsp.StatusCode == http.StatusOK {
			break
		}
		if err == nil {
			rspBody, _ = io.ReadAll(rsp.Body)
			rsp.Body.Close()
			err = parseFailure(url, rsp.StatusCode, rspBody)
		}
		if i < 3 {
			time.Sleep(time.Second * time.Duration(i))
		}
	}
	if err != nil {
		return
	}
	defer rsp.Body.Close()
	rspBody, err = io.ReadAll(rsp.Body)
	return
}

func parseFailure(url string, code int, body []byte) error {
	type Result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}

	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return errors.Errorf("post [%s] response code is [%d]", url, code)
	}
	return errors.Wrap(fmt.Errorf("post [%s] response code is [%d]", url, code), res.Msg)
}

// GenSignCode signs every form value except "s": md5(k1=v1&k2=v2...&key=<key>).
func GenSignCode(form url.Values, key string) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		if k == "s" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(form.Get(k))
		sb.WriteString("&")
	}
	sb.WriteString("key=")
	sb.WriteString(key)
	sum := md5.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
