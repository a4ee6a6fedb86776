// Package errors はgpboost全体のエラーハンドリングと警告システムを提供します。
//
// エラーは3つの分類に分かれます。
//   - 設定エラー: ValidationError, DimensionError（生成・設定時に同期的に返す）
//   - 数値エラー: NumericalInstabilityError, LaplaceError（推定を中断し、直前の状態を保持）
//   - 前提条件エラー: NotEstimatedError, PreconditionError
//
// いずれも cockroachdb/errors でスタックトレースを付与して返します。
package errors

import (
	"fmt"
	"log"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ===========================================================================
//
//	グローバル警告ハンドリング
//
// ===========================================================================
var (
	warningMutex sync.Mutex
	// nil の場合、zerolog 未設定時のみ標準 log に出力する
	warningHandler func(w error)
	// zerologロガー（循環importを避けるため遅延初期化）
	zerologWarnFunc func(warning error)
)

// SetWarningHandler はライブラリ全体の警告ハンドラを設定します。
//
// 例:
//
//	errors.SetWarningHandler(func(w error) {
//	    warnings = append(warnings, w)
//	})
func SetWarningHandler(handler func(w error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	warningHandler = handler
}

// SetZerologWarnFunc はzerolog警告関数を設定します（循環importを避けるため）。
func SetZerologWarnFunc(warnFunc func(warning error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	zerologWarnFunc = warnFunc
}

// Warn は警告を発生させます。
// zerologが設定されていれば構造化ログに出力し、SetWarningHandler で登録された
// ハンドラにも必ず渡します。どちらも無い場合は標準 log に出力します。
func Warn(w error) {
	warningMutex.Lock()
	sink, handler := zerologWarnFunc, warningHandler
	warningMutex.Unlock()

	if sink != nil {
		sink(w)
	}
	if handler != nil {
		handler(w)
	}
	if sink == nil && handler == nil {
		log.Printf("gpboost-warning: %v\n", w)
	}
}

// ConvergenceWarning は最適化が最大反復回数までに収束しなかった場合の警告です。
type ConvergenceWarning struct {
	Algorithm  string
	Iterations int
	Message    string
}

func (w *ConvergenceWarning) Error() string {
	if w.Message != "" {
		return fmt.Sprintf("%s failed to converge after %d iterations: %s", w.Algorithm, w.Iterations, w.Message)
	}
	return fmt.Sprintf("%s failed to converge after %d iterations. Consider increasing max_iter or adjusting the learning rate.", w.Algorithm, w.Iterations)
}

// MarshalZerologObject はzerologのイベントに構造化された警告情報を追加します。
func (w *ConvergenceWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Str("algorithm", w.Algorithm).
		Int("iterations", w.Iterations).
		Str("message", w.Message).
		Str("type", "ConvergenceWarning")
}

// NewConvergenceWarning は新しいConvergenceWarningを作成します。
func NewConvergenceWarning(algorithm string, iterations int, message string) *ConvergenceWarning {
	return &ConvergenceWarning{Algorithm: algorithm, Iterations: iterations, Message: message}
}

// ===========================================================================
//
//	前提条件エラー
//
// ===========================================================================

// NotFittedError is returned when a boosting model is used before training.
type NotFittedError struct {
	ModelName string
	Method    string
}

func (e *NotFittedError) Error() string {
	return fmt.Sprintf("gpboost: %s: this model is not fitted yet. Call Train() before using %s()", e.ModelName, e.Method)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *NotFittedError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("model_name", e.ModelName).
		Str("method", e.Method).
		Str("type", "NotFittedError")
}

// NewNotFittedError は新しいNotFittedErrorを作成し、スタックトレースを付与します。
func NewNotFittedError(modelName, method string) error {
	return errors.WithStack(&NotFittedError{ModelName: modelName, Method: method})
}

// NotEstimatedError is returned when estimates are requested from a
// random-effects model on which no optimization call has succeeded yet.
type NotEstimatedError struct {
	Method string
}

func (e *NotEstimatedError) Error() string {
	return fmt.Sprintf("gpboost: %s: parameters have not yet been estimated", e.Method)
}

// NewNotEstimatedError は新しいNotEstimatedErrorを作成します。
func NewNotEstimatedError(method string) error {
	return errors.WithStack(&NotEstimatedError{Method: method})
}

// PreconditionError reports a call made in a state that does not allow it,
// e.g. prediction without training data or an iteration index out of range.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("gpboost: %s: precondition failed: %s", e.Op, e.Reason)
}

// NewPreconditionError は新しいPreconditionErrorを作成します。
func NewPreconditionError(op, reason string) error {
	return errors.WithStack(&PreconditionError{Op: op, Reason: reason})
}

// ===========================================================================
//
//	設定エラー
//
// ===========================================================================

// DimensionError は入力データの次元が期待値と異なる場合のエラーです。
type DimensionError struct {
	Op       string
	Expected int
	Got      int
	Axis     int // 0 for rows, 1 for columns
}

func (e *DimensionError) Error() string {
	axisName := "columns"
	if e.Axis == 0 {
		axisName = "rows"
	}
	return fmt.Sprintf("gpboost: %s: dimension mismatch on axis %d (%s). Expected %d, got %d", e.Op, e.Axis, axisName, e.Expected, e.Got)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *DimensionError) MarshalZerologObject(event *zerolog.Event) {
	axisName := "columns"
	if e.Axis == 0 {
		axisName = "rows"
	}
	event.Str("operation", e.Op).
		Int("expected", e.Expected).
		Int("got", e.Got).
		Int("axis", e.Axis).
		Str("axis_name", axisName).
		Str("type", "DimensionError")
}

// NewDimensionError は新しいDimensionErrorを作成し、スタックトレースを付与します。
func NewDimensionError(op string, expected, got, axis int) error {
	return errors.WithStack(&DimensionError{Op: op, Expected: expected, Got: got, Axis: axis})
}

// ValidationError は入力パラメータの検証に失敗した場合のエラーです。
type ValidationError struct {
	ParamName string
	Reason    string
	Value     interface{}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gpboost: validation failed for parameter '%s': %s (got: %v)", e.ParamName, e.Reason, e.Value)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *ValidationError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("param_name", e.ParamName).
		Str("reason", e.Reason).
		Interface("value", e.Value).
		Str("type", "ValidationError")
}

// NewValidationError は新しいValidationErrorを作成し、スタックトレースを付与します。
func NewValidationError(param, reason string, value interface{}) error {
	return errors.WithStack(&ValidationError{ParamName: param, Reason: reason, Value: value})
}

// ModelError はモデルに関する一般的なエラーです。
type ModelError struct {
	Op   string
	Kind string
	Err  error
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gpboost: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("gpboost: %s: %s", e.Op, e.Kind)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// NewModelError は新しいModelErrorを作成し、スタックトレースを付与します。
func NewModelError(op, kind string, err error) error {
	return errors.WithStack(&ModelError{Op: op, Kind: kind, Err: err})
}

// ===========================================================================
//
//	数値エラー
//
// ===========================================================================

// NumericalInstabilityError は数値計算が不安定になった場合のエラーです。
// NaN、Inf、非正定値な曲率などを検出します。
type NumericalInstabilityError struct {
	Operation string                 // 発生した操作（例: "gradient", "fisher_information"）
	Values    []float64              // 問題のある値
	Context   map[string]interface{} // デバッグ用の追加コンテキスト情報
	Iteration int                    // 発生したイテレーション番号
}

func (e *NumericalInstabilityError) Error() string {
	valStr := ""
	for i, v := range e.Values {
		if i > 0 {
			valStr += ", "
		}
		if i >= 5 {
			valStr += "..."
			break
		}
		valStr += fmt.Sprintf("%.6g", v)
	}
	return fmt.Sprintf("gpboost: numerical instability detected in %s at iteration %d. Values: [%s]",
		e.Operation, e.Iteration, valStr)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *NumericalInstabilityError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Operation).
		Int("iteration", e.Iteration).
		Floats64("values", e.Values).
		Str("type", "NumericalInstabilityError")
}

// NewNumericalInstabilityError は新しいNumericalInstabilityErrorを作成します。
func NewNumericalInstabilityError(operation string, values []float64, iteration int) error {
	return errors.WithStack(&NumericalInstabilityError{
		Operation: operation,
		Values:    values,
		Iteration: iteration,
		Context:   make(map[string]interface{}),
	})
}

// LaplaceError reports a failure of the inner mode-finding iteration of the
// Laplace approximation. It is kept separate from NumericalInstabilityError
// so callers can tell an inner failure from an outer optimizer failure.
type LaplaceError struct {
	Iterations int
	Reason     string
}

func (e *LaplaceError) Error() string {
	return fmt.Sprintf("gpboost: Laplace mode finding failed after %d iterations: %s", e.Iterations, e.Reason)
}

// NewLaplaceError は新しいLaplaceErrorを作成します。
func NewLaplaceError(iterations int, reason string) error {
	return errors.WithStack(&LaplaceError{Iterations: iterations, Reason: reason})
}

// ===========================================================================
//
//	分類ヘルパー
//
// ===========================================================================

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool {
	var v *ValidationError
	var d *DimensionError
	return errors.As(err, &v) || errors.As(err, &d)
}

// IsNumericalError reports whether err is a numeric failure, inner or outer.
func IsNumericalError(err error) bool {
	var n *NumericalInstabilityError
	var l *LaplaceError
	return errors.As(err, &n) || errors.As(err, &l) || errors.Is(err, ErrSingularMatrix)
}

// IsPreconditionError reports whether err is a state-precondition error.
func IsPreconditionError(err error) bool {
	var p *PreconditionError
	var ne *NotEstimatedError
	var nf *NotFittedError
	return errors.As(err, &p) || errors.As(err, &ne) || errors.As(err, &nf)
}

// ===========================================================================
//
//	cockroachdb/errors ラッパー関数
//
// ===========================================================================

// Is はエラーが特定のターゲットエラーかどうかを判定します。
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As はエラーが特定の型にキャスト可能かどうかを判定します。
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap は既存のエラーをメッセージ付きでラップします。
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf は既存のエラーをフォーマット文字列でラップします。
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// New は新しいエラーを作成します。
func New(message string) error {
	return errors.New(message)
}

// Newf は新しいフォーマット済みエラーを作成します。
func Newf(format string, args ...interface{}) error {
	return errors.Newf(format, args...)
}

// WithStack はエラーにスタックトレースを付与します。
func WithStack(err error) error {
	return errors.WithStack(err)
}

// ===========================================================================
//
//	共通エラー変数
//
// ===========================================================================

var (
	// ErrEmptyData は空のデータが渡された場合のエラーです。
	ErrEmptyData = New("empty data")

	// ErrSingularMatrix は特異行列、または正定値でない行列の場合のエラーです。
	ErrSingularMatrix = New("singular or indefinite matrix")
)
