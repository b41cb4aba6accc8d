package burstwatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInsufficientData is returned when a dataset is too small to train on.
	ErrInsufficientData = errors.New("burstwatch: not enough data to train")
	// ErrModelNotFound is returned by LoadModel when no artifact exists.
	ErrModelNotFound = errors.New("burstwatch: model artifact not found")
)

// MinTrainingRows is the smallest dataset Train accepts.
const MinTrainingRows = 10

// LogisticModel is a logistic regression over standardized window counts.
// It is persisted as JSON together with the column order it was trained on.
type LogisticModel struct {
	Columns   []string          `json:"columns"`
	Mean      [numKinds]float64 `json:"mean"`
	Scale     [numKinds]float64 `json:"scale"`
	Weights   [numKinds]float64 `json:"weights"`
	Bias      float64           `json:"bias"`
	Threshold float64           `json:"threshold"`
	TrainedAt time.Time         `json:"trained_at"`
	TrainRows int               `json:"train_rows"`
}

// Probability returns the estimated probability that f is malicious.
func (m *LogisticModel) Probability(f FeatureVector) float64 {
	x := f.Values()
	z := m.Bias
	for i := range x {
		z += m.Weights[i] * (x[i] - m.Mean[i]) / m.Scale[i]
	}
	return sigmoid(z)
}

// Predict implements Classifier.
func (m *LogisticModel) Predict(f FeatureVector) (bool, error) {
	if m == nil {
		return false, errors.New("nil model")
	}
	if err := m.checkColumns(); err != nil {
		return false, err
	}
	p := m.Probability(f)
	if math.IsNaN(p) {
		return false, fmt.Errorf("model produced NaN for %s", f)
	}
	return p >= m.Threshold, nil
}

func (m *LogisticModel) checkColumns() error {
	if len(m.Columns) != numKinds {
		return fmt.Errorf("model has %d feature columns, want %d", len(m.Columns), numKinds)
	}
	for i, c := range m.Columns {
		if c != FeatureColumns[i] {
			return fmt.Errorf("model column %d is %q, want %q", i, c, FeatureColumns[i])
		}
	}
	for i, s := range m.Scale {
		if s == 0 {
			return fmt.Errorf("model scale for %s is zero", FeatureColumns[i])
		}
	}
	return nil
}

// Save writes the model as JSON, creating parent directories.
func (m *LogisticModel) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create model directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	return nil
}

// LoadModel reads a model saved by Save. A missing file yields
// ErrModelNotFound; a model trained on a different column order is rejected.
func LoadModel(path string) (*LogisticModel, error) {
	if path == "" {
		return nil, ErrModelNotFound
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	var m LogisticModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	if err := m.checkColumns(); err != nil {
		return nil, err
	}
	return &m, nil
}

// --------------------------------------------------------------------------
// Training
// --------------------------------------------------------------------------

// TrainOptions controls the fit.
type TrainOptions struct {
	TestFraction float64
	Epochs       int
	LearningRate float64
	L2           float64
	Seed         int64
}

// DefaultTrainOptions holds out a quarter of the rows and fixes the seed.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		TestFraction: 0.25,
		Epochs:       2000,
		LearningRate: 0.5,
		L2:           1e-3,
		Seed:         ShuffleSeed,
	}
}

// ConfusionMatrix counts held-out predictions.
type ConfusionMatrix struct {
	TN, FP, FN, TP int
}

func (c *ConfusionMatrix) add(label int, predicted bool) {
	switch {
	case label == LabelMalicious && predicted:
		c.TP++
	case label == LabelMalicious:
		c.FN++
	case predicted:
		c.FP++
	default:
		c.TN++
	}
}

// Accuracy is the share of correct predictions, or 0 for an empty matrix.
func (c ConfusionMatrix) Accuracy() float64 {
	total := c.TN + c.FP + c.FN + c.TP
	if total == 0 {
		return 0
	}
	return float64(c.TN+c.TP) / float64(total)
}

func (c ConfusionMatrix) String() string {
	return fmt.Sprintf("[[%d %d] [%d %d]]", c.TN, c.FP, c.FN, c.TP)
}

// TrainReport summarizes a fit.
type TrainReport struct {
	TrainRows int
	TestRows  int
	Confusion ConfusionMatrix
}

// Train fits a LogisticModel on a stratified split of ds and scores it on the
// held-out rows. Datasets below MinTrainingRows, or missing either class,
// return ErrInsufficientData.
func Train(ds Dataset, opts TrainOptions) (*LogisticModel, TrainReport, error) {
	var report TrainReport
	if len(ds) < MinTrainingRows {
		return nil, report, fmt.Errorf("%w: %d rows, need at least %d", ErrInsufficientData, len(ds), MinTrainingRows)
	}
	benign, malicious := ds.Counts()
	if benign == 0 || malicious == 0 {
		return nil, report, fmt.Errorf("%w: need both benign and malicious rows (have %d/%d)", ErrInsufficientData, benign, malicious)
	}
	if opts.Epochs <= 0 {
		opts = DefaultTrainOptions()
	}

	train, test := stratifiedSplit(ds, opts.TestFraction, opts.Seed)
	m := fitLogistic(train, opts)
	m.TrainedAt = time.Now().UTC()

	report.TrainRows = len(train)
	report.TestRows = len(test)
	for _, row := range test {
		predicted, err := m.Predict(row.Features)
		if err != nil {
			return nil, report, err
		}
		report.Confusion.add(row.Label, predicted)
	}
	return m, report, nil
}

// TrainAndSave writes ds to datasetPath, trains, and writes the model to
// modelPath. The dataset is written even when training is refused; the model
// file only when training succeeds.
func TrainAndSave(ds Dataset, datasetPath, modelPath string, opts TrainOptions, logger *zap.Logger) (TrainReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := writeDatasetFile(ds, datasetPath); err != nil {
		return TrainReport{}, err
	}

	m, report, err := Train(ds, opts)
	if err != nil {
		logger.Warn("Training aborted", zap.Int("rows", len(ds)), zap.Error(err))
		return report, err
	}
	if err := m.Save(modelPath); err != nil {
		return report, err
	}

	logger.Info("Model trained",
		zap.String("model", modelPath),
		zap.String("dataset", datasetPath),
		zap.Int("train_rows", report.TrainRows),
		zap.Int("test_rows", report.TestRows),
		zap.Stringer("confusion", report.Confusion),
		zap.Float64("accuracy", report.Confusion.Accuracy()))
	return report, nil
}

func writeDatasetFile(ds Dataset, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create dataset directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create dataset: %w", err)
	}
	if err := ds.WriteCSV(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	return f.Close()
}

// stratifiedSplit holds out frac of each class, keeping at least one row of
// each class for training.
func stratifiedSplit(ds Dataset, frac float64, seed int64) (train, test Dataset) {
	rng := rand.New(rand.NewSource(seed))
	byLabel := map[int][]DatasetRow{}
	for _, r := range ds {
		byLabel[r.Label] = append(byLabel[r.Label], r)
	}
	for _, label := range []int{LabelBenign, LabelMalicious} {
		rows := byLabel[label]
		rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
		n := int(math.Round(frac * float64(len(rows))))
		if n >= len(rows) {
			n = len(rows) - 1
		}
		if n < 0 {
			n = 0
		}
		test = append(test, rows[:n]...)
		train = append(train, rows[n:]...)
	}
	return train, test
}

// fitLogistic runs batch gradient descent with class-balanced weights.
func fitLogistic(train Dataset, opts TrainOptions) *LogisticModel {
	m := &LogisticModel{
		Columns:   append([]string(nil), FeatureColumns[:]...),
		Threshold: 0.5,
		TrainRows: len(train),
	}

	n := float64(len(train))
	xs := make([][numKinds]float64, len(train))
	for i, r := range train {
		xs[i] = r.Features.Values()
		for j := range xs[i] {
			m.Mean[j] += xs[i][j] / n
		}
	}
	for _, x := range xs {
		for j := range x {
			d := x[j] - m.Mean[j]
			m.Scale[j] += d * d / n
		}
	}
	for j := range m.Scale {
		m.Scale[j] = math.Sqrt(m.Scale[j])
		if m.Scale[j] == 0 {
			m.Scale[j] = 1
		}
	}
	for i := range xs {
		for j := range xs[i] {
			xs[i][j] = (xs[i][j] - m.Mean[j]) / m.Scale[j]
		}
	}

	benign, malicious := train.Counts()
	classWeight := map[int]float64{
		LabelBenign:    n / (2 * float64(benign)),
		LabelMalicious: n / (2 * float64(malicious)),
	}

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		var gradW [numKinds]float64
		var gradB float64
		for i, x := range xs {
			z := m.Bias
			for j := range x {
				z += m.Weights[j] * x[j]
			}
			y := float64(train[i].Label)
			diff := (sigmoid(z) - y) * classWeight[train[i].Label]
			for j := range x {
				gradW[j] += diff * x[j]
			}
			gradB += diff
		}
		for j := range m.Weights {
			m.Weights[j] -= opts.LearningRate * (gradW[j]/n + opts.L2*m.Weights[j])
		}
		m.Bias -= opts.LearningRate * gradB / n
	}
	return m
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
