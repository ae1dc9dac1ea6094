// Package date 提供日级精度的日历日期，用于历史（as-of）查询。
package date

import (
	"encoding/json"
	"fmt"
	"time"
)

// Layout 线上传输与配置使用的日期格式（ISO-8601）。
const Layout = "2006-01-02"

// 宽松读取格式，允许个位数月/日。
const readLayout = "2006-1-2"

// Date 日历日期，不含时分秒与时区。
type Date struct {
	y int
	m time.Month
	d int
}

// New 返回规范化后的日期（如 2024-02-30 归一为 2024-03-01）。
func New(year int, month time.Month, day int) Date {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	y, m, d := t.Date()
	return Date{y, m, d}
}

// Of 取 t 所在时区的日历日期。
func Of(t time.Time) Date { return New(t.Date()) }

// Today 当前本地日期
func Today() Date { return Of(time.Now()) }

// Parse 解析 YYYY-MM-DD。
func Parse(s string) (Date, error) {
	t, err := time.Parse(readLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Of(t), nil
}

// MustParse 仅用于测试与常量。
func MustParse(s string) Date {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) Year() int          { return d.y }
func (d Date) Month() time.Month  { return d.m }
func (d Date) Day() int           { return d.d }
func (d Date) IsZero() bool       { return d.y == 0 && d.m == 0 && d.d == 0 }
func (d Date) Time() time.Time    { return time.Date(d.y, d.m, d.d, 0, 0, 0, 0, time.UTC) }
func (d Date) Before(x Date) bool { return d.Time().Before(x.Time()) }
func (d Date) After(x Date) bool  { return d.Time().After(x.Time()) }

func (d Date) String() string { return d.Time().Format(Layout) }

// Ptr 返回 d 的指针副本，便于构造可选日期。
func (d Date) Ptr() *Date { return &d }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Equal 比较两个可选日期，nil 仅与 nil 相等。
func Equal(a, b *Date) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
