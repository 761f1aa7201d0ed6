package curve

// ApplyRampLimit 应用升降幅限制，limit 为 0 时不限制
func ApplyRampLimit(target, last, upLimit, downLimit int) int {
	if target > last && upLimit > 0 {
		return min(last+upLimit, target)
	}
	if target < last && downLimit > 0 {
		return max(last-downLimit, target)
	}
	return target
}

func clampInt(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}
	return value
}
