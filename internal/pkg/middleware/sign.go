package middleware

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/pkg/generr"
	"affiliate-engine/internal/pkg/util"
)

const timeout = 60

type MultipleReader interface {
	Reader() io.ReadCloser
}

type myMultipleReader struct {
	data []byte
}

func newMultipleReader(reader io.Reader) (MultipleReader, error) {
	var data []byte
	var err error
	if reader != nil {
		data, err = io.ReadAll(reader)
		if err != nil {
			return nil, err
		}
	} else {
		data = []byte{}
	}
	return &myMultipleReader{
		data: data,
	}, nil
}

func (m *myMultipleReader) Reader() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(m.data))
}

// ValidateSign checks the s/t/app_id form signature of third-party calls
// against the app key stored in db.
func ValidateSign(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		signCode := c.Request.FormValue("s")
		if signCode == "" {
			c.JSON(http.StatusBadRequest, generr.SignMiss)
			c.Abort()
			return
		}

		timeStamp := c.Request.FormValue("t")
		tUnix, err := strconv.ParseInt(timeStamp, 10, 64)
		if err != nil {
			log.Errorf("err: %+v", errors.Wrap(err, "parse timestamp"))
			c.JSON(http.StatusBadRequest, generr.TimestampErr)
			c.Abort()
			return
		}

		if time.Now().Unix()-tUnix > timeout {
			c.JSON(http.StatusBadRequest, generr.TimestampOut)
			c.Abort()
			return
		}

		appID := c.Request.FormValue("app_id")
		key, err := dao.App.GetKey(db, appID)
		if err != nil {
			log.Errorf("err: %+v", errors.Wrapf(err, "get app key %q", appID))
			c.JSON(http.StatusBadRequest, generr.AppUnknown)
			c.Abort()
			return
		}

		multipleReader, err := newMultipleReader(c.Request.Body)
		if err != nil {
			log.Errorf("err: %+v", errors.Wrap(err, "new multipleReader"))
			c.JSON(http.StatusInternalServerError, generr.ServerError)
			c.Abort()
			return
		}
		c.Request.Body = multipleReader.Reader()

		if strings.HasPrefix(c.Request.Header.Get("Content-Type"), "multipart/form-data") {
			err = c.Request.ParseMultipartForm(32 << 20)
		} else {
			err = c.Request.ParseForm()
		}
		if err != nil {
			log.Errorf("err: %+v", errors.Wrap(err, "parse form"))
			c.JSON(http.StatusInternalServerError, generr.ServerError)
			c.Abort()
			return
		}
		c.Request.Body = multipleReader.Reader()

		signStr := util.GenSignCode(c.Request.Form, key)
		if signStr != signCode {
			log.Infof("sign not match, signStr: %s, signCode:%s", signStr, signCode)
			c.JSON(http.StatusBadRequest, generr.SignNotMatch)
			c.Abort()
			return
		}
		c.Next()
	}
}

// AdminToken guards admin routes with a shared token in the X-Admin-Token
// header. An empty token disables the admin surface.
func AdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Admin-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.JSON(http.StatusUnauthorized, generr.Unauthorized)
			c.Abort()
			return
		}
		c.Next()
	}
}
