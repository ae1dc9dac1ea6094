package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// MinPollInterval 轮询周期下限
const MinPollInterval = time.Second

var validate = validator.New()

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

// Validate 先做标签校验，再做跨字段检查。
func Validate(cfg AppConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}
			return ErrInvalid(strings.Join(msgs, "; "))
		}
		return err
	}
	if cfg.Sync.PollInterval < MinPollInterval {
		return ErrInvalid(fmt.Sprintf("sync.poll_interval must be >= %s", MinPollInterval))
	}
	if cfg.Remote.Timeout <= 0 {
		return ErrInvalid("remote.timeout must be > 0")
	}
	if cfg.Remote.Timeout > cfg.Sync.PollInterval {
		return ErrInvalid("remote.timeout must not exceed sync.poll_interval")
	}
	if cfg.Reload.Enabled && cfg.Reload.Cooldown < 0 {
		return ErrInvalid("reload.cooldown must be >= 0")
	}
	return nil
}
